package exchange

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	// ErrStreamNotConnected is returned when an operation requires an
	// active connection.
	ErrStreamNotConnected = errors.New("stream: not connected")

	// ErrStreamAlreadyConnected is returned when Connect is called twice.
	ErrStreamAlreadyConnected = errors.New("stream: already connected")
)

// ProdStreamURL is the production websocket endpoint.
const ProdStreamURL = "wss://api.elections.kalshi.com/trade-api/ws/v2"

const streamSignPath = "/trade-api/ws/v2"

// PriceStream maintains a websocket subscription to ticker updates and
// feeds decoded prices to a handler. Disconnects trigger exponential
// backoff reconnects with resubscription.
type PriceStream struct {
	log        zerolog.Logger
	url        string
	apiKey     string
	privateKey *rsa.PrivateKey
	handler    PriceHandler

	pingInterval time.Duration
	maxBackoff   time.Duration

	mu     sync.Mutex
	conn   *websocket.Conn
	tokens []string
	msgID  atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StreamOption configures a PriceStream.
type StreamOption func(*PriceStream)

// WithStreamURL overrides the websocket endpoint.
func WithStreamURL(u string) StreamOption {
	return func(s *PriceStream) { s.url = u }
}

// WithPingInterval sets the keep-alive cadence.
func WithPingInterval(d time.Duration) StreamOption {
	return func(s *PriceStream) { s.pingInterval = d }
}

// NewPriceStream creates a stream delivering ticks to handler.
func NewPriceStream(log zerolog.Logger, apiKey string, privateKey *rsa.PrivateKey, handler PriceHandler, opts ...StreamOption) *PriceStream {
	s := &PriceStream{
		log:          log.With().Str("component", "price-stream").Logger(),
		url:          ProdStreamURL,
		apiKey:       apiKey,
		privateKey:   privateKey,
		handler:      handler,
		pingInterval: 10 * time.Second,
		maxBackoff:   30 * time.Second,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Connect dials the stream and starts the read and ping loops. The stream
// reconnects on its own until ctx is canceled or Close is called.
func (s *PriceStream) Connect(ctx context.Context, tokens []string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return ErrStreamAlreadyConnected
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.tokens = append([]string(nil), tokens...)
	s.mu.Unlock()

	if err := s.dial(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.supervise()
	return nil
}

func (s *PriceStream) dial() error {
	header := http.Header{}
	if s.apiKey != "" && s.privateKey != nil {
		ts := strconv.FormatInt(time.Now().UnixMilli(), 10)
		sig, err := SignRequest(s.privateKey, ts, http.MethodGet, streamSignPath)
		if err != nil {
			return fmt.Errorf("generate signature: %w", err)
		}
		header.Set("KALSHI-ACCESS-KEY", s.apiKey)
		header.Set("KALSHI-ACCESS-TIMESTAMP", ts)
		header.Set("KALSHI-ACCESS-SIGNATURE", sig)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(s.ctx, s.url, header)
	if err != nil {
		return fmt.Errorf("websocket dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	tokens := append([]string(nil), s.tokens...)
	s.mu.Unlock()

	if len(tokens) > 0 {
		if err := s.subscribe(tokens); err != nil {
			conn.Close()
			return err
		}
	}
	s.log.Info().Int("tokens", len(tokens)).Msg("price stream connected")
	return nil
}

type streamCommand struct {
	ID     int64           `json:"id"`
	Cmd    string          `json:"cmd"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (s *PriceStream) subscribe(tokens []string) error {
	params, err := json.Marshal(map[string]any{
		"channels":       []string{"ticker"},
		"market_tickers": tokens,
	})
	if err != nil {
		return fmt.Errorf("marshal subscribe params: %w", err)
	}
	return s.write(streamCommand{ID: s.msgID.Add(1), Cmd: "subscribe", Params: params})
}

// AddTokens extends the live subscription with additional tokens.
func (s *PriceStream) AddTokens(tokens []string) error {
	s.mu.Lock()
	s.tokens = append(s.tokens, tokens...)
	connected := s.conn != nil
	s.mu.Unlock()
	if !connected {
		return ErrStreamNotConnected
	}
	return s.subscribe(tokens)
}

func (s *PriceStream) write(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return ErrStreamNotConnected
	}
	if err := s.conn.WriteJSON(v); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

// supervise runs read+ping for each connection and reconnects with
// backoff when one dies.
func (s *PriceStream) supervise() {
	defer s.wg.Done()
	backoff := time.Second
	for {
		s.readLoop()
		if s.ctx.Err() != nil {
			return
		}

		s.log.Warn().Dur("backoff", backoff).Msg("price stream disconnected, reconnecting")
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < s.maxBackoff {
			backoff *= 2
		}
		if err := s.dial(); err != nil {
			s.log.Error().Err(err).Msg("price stream reconnect failed")
			continue
		}
		backoff = time.Second
	}
}

type tickerMessage struct {
	Type string `json:"type"`
	Msg  struct {
		MarketTicker string `json:"market_ticker"`
		Price        int    `json:"price"` // cents
		Ts           int64  `json:"ts"`    // unix seconds
	} `json:"msg"`
}

func (s *PriceStream) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	stopPing := make(chan struct{})
	go s.pingLoop(conn, stopPing)
	defer close(stopPing)
	defer func() {
		conn.Close()
		s.mu.Lock()
		if s.conn == conn {
			s.conn = nil
		}
		s.mu.Unlock()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.log.Debug().Err(err).Msg("price stream read error")
			}
			return
		}

		var tick tickerMessage
		if err := json.Unmarshal(message, &tick); err != nil || tick.Type != "ticker" {
			continue
		}
		ts := time.Unix(tick.Msg.Ts, 0)
		if tick.Msg.Ts == 0 {
			ts = time.Now()
		}
		s.handler(PriceUpdate{
			TokenID:   tick.Msg.MarketTicker,
			Price:     float64(tick.Msg.Price) / 100,
			Timestamp: ts,
		})
	}
}

func (s *PriceStream) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteMessage(websocket.PingMessage, nil)
			s.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Close stops the stream and its reconnect loop.
func (s *PriceStream) Close() {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	if s.conn != nil {
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.conn.Close()
		s.conn = nil
	}
	s.mu.Unlock()
	s.wg.Wait()
}
