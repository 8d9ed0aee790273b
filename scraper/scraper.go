// Package scraper polls a portrait source and feeds every image into ingestion.
package scraper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/krau/facedb/service"
)

type Ingester interface {
	Ingest(ctx context.Context, data []byte, meta service.Metadata) (*service.Face, error)
}

type Options struct {
	URL       string
	Interval  time.Duration
	UserAgent string
	// MaxBytes caps a single response body.
	MaxBytes int64
}

type Scraper struct {
	client   *http.Client
	ingester Ingester
	opts     Options
	now      func() time.Time
}

func New(ingester Ingester, opts Options) *Scraper {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.IdleConnTimeout = 30 * time.Second
	return &Scraper{
		client:   &http.Client{Transport: transport, Timeout: 30 * time.Second},
		ingester: ingester,
		opts:     opts,
		now:      time.Now,
	}
}

// Run ticks until ctx is cancelled. Each tick fetches and ingests in its own
// goroutine, so a slow tick never delays the next one.
func (s *Scraper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	slog.Info("Scraper started", slog.String("url", s.opts.URL), slog.Duration("interval", s.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			slog.Info("Scraper stopping")
			return
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.tick(ctx)
			}()
		}
	}
}

func (s *Scraper) tick(ctx context.Context) {
	data, err := s.Fetch(ctx)
	if err != nil {
		slog.Error("Error fetching image", slog.String("error", err.Error()))
		return
	}
	face, err := s.ingester.Ingest(ctx, data, service.Metadata{SourceURL: s.opts.URL})
	if err != nil {
		slog.Error("Error indexing scraped image", slog.String("error", err.Error()))
		return
	}
	slog.Info("Image indexed successfully", slog.Uint64("id", uint64(face.ID)))
}

// Fetch downloads one image. A millisecond timestamp is appended as a query
// parameter so intermediate caches never serve the same portrait twice.
func (s *Scraper) Fetch(ctx context.Context) ([]byte, error) {
	u, err := url.Parse(s.opts.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid scrape url: %w", err)
	}
	q := u.Query()
	q.Set("_", strconv.FormatInt(s.now().UnixMilli(), 10))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if s.opts.UserAgent != "" {
		req.Header.Set("User-Agent", s.opts.UserAgent)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}

	body := io.Reader(resp.Body)
	if s.opts.MaxBytes > 0 {
		body = io.LimitReader(resp.Body, s.opts.MaxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	if s.opts.MaxBytes > 0 && int64(len(data)) > s.opts.MaxBytes {
		return nil, fmt.Errorf("image larger than %d bytes", s.opts.MaxBytes)
	}
	return data, nil
}
