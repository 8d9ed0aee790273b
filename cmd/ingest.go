package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"github.com/krau/facedb/config"
	"github.com/krau/facedb/service"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var (
	ingestConcurrency int
	ingestName        string
	ingestSource      string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <image>...",
	Short: "Embed and store local face images",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().IntVarP(&ingestConcurrency, "concurrency", "c", 4, "Number of images read and decoded in parallel")
	ingestCmd.Flags().StringVar(&ingestName, "name", "", "Display name stored with every image")
	ingestCmd.Flags().StringVar(&ingestSource, "source-url", "", "Source URL stored with every image")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, config.C())
	if err != nil {
		return err
	}
	defer a.Close()

	bar := progressbar.NewOptions(len(args),
		progressbar.OptionSetDescription("Ingesting faces"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("images"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	var failed atomic.Int32
	sem := make(chan struct{}, max(ingestConcurrency, 1))
	var wg sync.WaitGroup
	for _, path := range args {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			defer bar.Add(1)

			if err := ingestFile(cmd, a.coordinator, path); err != nil {
				failed.Add(1)
				slog.Error("Failed to ingest image", slog.String("path", path), slog.String("error", err.Error()))
			}
		}()
	}
	wg.Wait()
	bar.Finish()

	fmt.Fprintf(cmd.OutOrStdout(), "\nIngested %d of %d images\n", len(args)-int(failed.Load()), len(args))
	if n := failed.Load(); n > 0 {
		return fmt.Errorf("%d images failed", n)
	}
	return nil
}

func ingestFile(cmd *cobra.Command, c *service.Coordinator, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = c.Ingest(cmd.Context(), data, service.Metadata{Name: ingestName, SourceURL: ingestSource})
	return err
}
