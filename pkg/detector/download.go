package detector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brendanplayford/nwp-trader/pkg/schedule"
)

// download fetches the parts of the file the extractor needs. The idx
// sidecar drives byte-range reads; when the sidecar is missing or matches
// nothing, the whole file is fetched.
func (d *Detector) download(ctx context.Context, file schedule.ExpectedFile, fileSize int64) ([]byte, error) {
	// Without a size the last record's end byte cannot be derived.
	if fileSize < 0 {
		d.log.Debug().Str("key", file.Key).Msg("file size unknown, full download")
		return d.fetchFull(ctx, file.FullURL)
	}

	plans, err := d.fetchRangePlan(ctx, file, fileSize)
	if err != nil {
		d.log.Warn().Err(err).Str("key", file.Key).Msg("smart range unavailable, full download")
		return d.fetchFull(ctx, file.FullURL)
	}

	buf, err := d.fetchRanges(ctx, file.FullURL, plans)
	if err != nil {
		// A failed range aborts the whole batch; fall back to the full file.
		d.log.Warn().Err(err).Str("key", file.Key).Msg("range batch failed, full download")
		return d.fetchFull(ctx, file.FullURL)
	}

	var total int64
	for _, p := range plans {
		total += p.Range.Len()
	}
	d.log.Debug().
		Str("key", file.Key).
		Int("ranges", len(plans)).
		Int64("bytes", total).
		Int64("file_size", fileSize).
		Msg("smart range download complete")
	return buf, nil
}

func (d *Detector) fetchRangePlan(ctx context.Context, file schedule.ExpectedFile, fileSize int64) ([]RangePlan, error) {
	idxURL := file.FullURL + ".idx"

	var body []byte
	var err error
	for attempt := 1; attempt <= idxRetries; attempt++ {
		body, err = d.fetchFull(ctx, idxURL)
		if err == nil {
			break
		}
		if attempt < idxRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(idxRetryBackoff):
			}
		}
	}
	if err != nil {
		return nil, fmt.Errorf("idx sidecar after %d attempts: %w", idxRetries, err)
	}

	records, err := ParseIdx(string(body))
	if err != nil {
		return nil, err
	}
	plans := PlanRanges(records, fileSize)
	if len(plans) == 0 {
		return nil, fmt.Errorf("idx matched no required records")
	}
	return plans, nil
}

// fetchRanges issues the byte-range reads concurrently and concatenates the
// results in selection order. A failure in any range cancels the rest.
func (d *Detector) fetchRanges(ctx context.Context, url string, plans []RangePlan) ([]byte, error) {
	parts := make([][]byte, len(plans))

	g, gctx := errgroup.WithContext(ctx)
	for i, p := range plans {
		g.Go(func() error {
			data, err := d.fetchRange(gctx, url, p.Range)
			if err != nil {
				return fmt.Errorf("range %d-%d: %w", p.Range.Start, p.Range.End, err)
			}
			parts[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var total int
	for _, p := range parts {
		total += len(p)
	}
	buf := make([]byte, 0, total)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf, nil
}

func (d *Detector) fetchRange(ctx context.Context, url string, r ByteRange) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", r.Start, r.End))

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (d *Detector) fetchFull(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}
