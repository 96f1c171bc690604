// Package notify posts operational alerts to Slack and Discord webhooks.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Notifier fans a message out to every configured webhook. Unconfigured
// channels are skipped silently.
type Notifier struct {
	log        zerolog.Logger
	slackURL   string
	discordURL string
	client     *http.Client
}

// New creates a Notifier. Empty webhook URLs disable that channel.
func New(log zerolog.Logger, slackURL, discordURL string) *Notifier {
	n := &Notifier{
		log:        log.With().Str("component", "notify").Logger(),
		slackURL:   slackURL,
		discordURL: discordURL,
		client:     &http.Client{Timeout: 10 * time.Second},
	}
	if slackURL != "" {
		n.log.Info().Msg("slack notifications enabled")
	}
	if discordURL != "" {
		n.log.Info().Msg("discord notifications enabled")
	}
	return n
}

// Enabled reports whether any channel is configured.
func (n *Notifier) Enabled() bool {
	return n.slackURL != "" || n.discordURL != ""
}

// Send posts a plain text message to all channels. Delivery failures are
// logged, never propagated; alerting must not break the pipeline.
func (n *Notifier) Send(text string) {
	if n.slackURL != "" {
		if err := n.post(n.slackURL, map[string]string{"text": text}); err != nil {
			n.log.Warn().Err(err).Msg("slack delivery failed")
		}
	}
	if n.discordURL != "" {
		if err := n.post(n.discordURL, map[string]string{"content": text}); err != nil {
			n.log.Warn().Err(err).Msg("discord delivery failed")
		}
	}
}

// TradeAlert announces a submitted order.
func (n *Notifier) TradeAlert(marketID, strategy, side string, shares int, limit float64, guaranteed bool) {
	tag := ""
	if guaranteed {
		tag = " [guaranteed]"
	}
	n.Send(fmt.Sprintf("trade%s: %s %s %d @ %.2f (%s)", tag, side, marketID, shares, limit, strategy))
}

// WindowMissed announces a detection window that closed without a file.
func (n *Notifier) WindowMissed(model string, cycleHour int) {
	n.Send(fmt.Sprintf("missed window: %s %02dz file never appeared", model, cycleHour))
}

// Error announces a component failure.
func (n *Notifier) Error(component, message string) {
	n.Send(fmt.Sprintf("error [%s]: %s", component, message))
}

func (n *Notifier) post(url string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
