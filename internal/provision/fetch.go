package provision

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/modlink/modlink/internal/protocol"
)

const (
	MaxAttempts      = 3
	ProgressInterval = time.Second
)

// Fetcher downloads the agent binary. Each call makes up to MaxAttempts
// attempts with no delay between them; the first successful attempt wins.
type Fetcher struct {
	Client      *http.Client
	MaxAttempts int
	// ProgressInterval is the minimum gap between progress notifications
	// within one attempt.
	ProgressInterval time.Duration

	now func() time.Time
}

func NewFetcher() *Fetcher {
	return &Fetcher{
		Client:           http.DefaultClient,
		MaxAttempts:      MaxAttempts,
		ProgressInterval: ProgressInterval,
		now:              time.Now,
	}
}

// Fetch returns the full body of url. Transfer failures and non-2xx
// responses are reported to observe and retried until attempts run out.
func (f *Fetcher) Fetch(ctx context.Context, url string, observe protocol.Observer) ([]byte, error) {
	attempts := f.MaxAttempts
	if attempts <= 0 {
		attempts = MaxAttempts
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, protocol.ProvisioningError(err, "downloading agent cancelled")
		}

		data, err := f.attempt(ctx, url, observe)
		if err == nil {
			return data, nil
		}
		lastErr = err
		protocol.Notifyf(observe, protocol.LevelWarn, "Failed to download agent (attempt %d/%d): %v", attempt, attempts, err)
	}

	return nil, protocol.ProvisioningError(lastErr,
		"failed to download agent after %d attempts; check your internet connection", attempts)
}

func (f *Fetcher) attempt(ctx context.Context, url string, observe protocol.Observer) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("server returned %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if resp.ContentLength > 0 {
		body = &progressReader{
			r:        resp.Body,
			total:    resp.ContentLength,
			interval: f.ProgressInterval,
			now:      f.clock(),
			last:     f.clock()(),
			observe:  observe,
		}
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return data, nil
}

func (f *Fetcher) clock() func() time.Time {
	if f.now == nil {
		return time.Now
	}
	return f.now
}

// progressReader reports percent complete at most once per interval.
type progressReader struct {
	r        io.Reader
	total    int64
	read     int64
	interval time.Duration
	now      func() time.Time
	last     time.Time
	observe  protocol.Observer
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.read += int64(n)
	if n > 0 {
		if now := p.now(); now.Sub(p.last) >= p.interval {
			p.last = now
			protocol.Notifyf(p.observe, protocol.LevelInfo, "Downloading agent: %d%%", p.read*100/p.total)
		}
	}
	return n, err
}
