package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/krau/facedb/config"
	"github.com/krau/facedb/scraper"
	"github.com/krau/facedb/server"
	"github.com/spf13/cobra"
)

// scraped portraits are full-size JPEGs, well above the upload cap
const maxScrapeBytes = 10 << 20

var noScrape bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the upload API and the background scraper",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&noScrape, "no-scrape", false, "Disable the background scraper")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	cfg := config.C()
	slog.Info("Starting facedb")

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	var wg sync.WaitGroup
	if cfg.Scraper.Enabled && !noScrape {
		s := scraper.New(a.coordinator, scraper.Options{
			URL:       cfg.Scraper.Url,
			Interval:  time.Duration(cfg.Scraper.IntervalMs) * time.Millisecond,
			UserAgent: cfg.Scraper.UserAgent,
			MaxBytes:  maxScrapeBytes,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Run(ctx)
		}()
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:    cfg.Host + ":" + cfg.Port,
		Handler: server.NewRouter(server.NewHandler(a.coordinator, cfg.Token, cfg.MaxUploadSize)),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening on", slog.String("address", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
		slog.Error("Server error", slog.String("error", err.Error()))
	}

	slog.Info("shutting down")
	cancel()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 10*time.Second)
	defer stop()
	if serr := srv.Shutdown(shutdownCtx); serr != nil {
		slog.Error("Server shutdown failed", slog.String("error", serr.Error()))
	}
	wg.Wait()
	return err
}
