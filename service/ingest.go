package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/disintegration/imaging"
)

// Embedder is the inference side of ingestion, satisfied by *Engine.
type Embedder interface {
	Run(ctx context.Context, input []float32) ([]float32, error)
}

// Store persists face records. Upsert is keyed by Face.ID.
type Store interface {
	Upsert(ctx context.Context, face *Face) error
}

type CoordinatorConfig struct {
	ImagesDir string
	// VectorFields lists the names the embedding is stored under. The first
	// always receives the raw model output.
	VectorFields []string
	// Normalize stores an L2-normalized copy under every field after the first.
	Normalize bool
	Location  *time.Location
}

// Coordinator is the single ingestion entry point shared by the scraper, the
// upload handler and the CLI.
type Coordinator struct {
	embedder Embedder
	store    Store
	cfg      CoordinatorConfig

	newID func() uint32
	now   func() time.Time
}

func NewCoordinator(embedder Embedder, store Store, cfg CoordinatorConfig) *Coordinator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Coordinator{
		embedder: embedder,
		store:    store,
		cfg:      cfg,
		newID:    rand.Uint32,
		now:      time.Now,
	}
}

// Ingest embeds one face image and stores it. The image file and the store
// write commit independently: a failed upsert leaves the saved image behind.
func (c *Coordinator) Ingest(ctx context.Context, data []byte, meta Metadata) (*Face, error) {
	img, err := Decode(data)
	if err != nil {
		slog.Warn("Skipping undecodable image", slog.String("source", meta.SourceURL), slog.String("error", err.Error()))
		return nil, err
	}

	raw, err := c.embedder.Run(ctx, Tensor(img))
	if err != nil {
		return nil, err
	}

	face := &Face{
		ID:        c.newID(),
		Name:      optional(meta.Name),
		SourceURL: optional(meta.SourceURL),
		Vectors:   c.vectors(raw),
	}

	path := filepath.Join(c.cfg.ImagesDir, strconv.FormatUint(uint64(face.ID), 10)+".jpg")
	if err := imaging.Save(img, path, imaging.JPEGQuality(95)); err != nil {
		return nil, fmt.Errorf("%w: save image: %w", ErrStore, err)
	}

	date := c.now().In(c.cfg.Location).Format(time.RFC3339Nano)
	face.Date = &date
	if err := c.store.Upsert(ctx, face); err != nil {
		return nil, wrapStoreErr(err)
	}

	slog.Debug("Embedding preview",
		slog.Any("head", raw[:min(5, len(raw))]),
		slog.Int("dims", len(raw)))
	slog.Info("Face indexed",
		slog.Uint64("id", uint64(face.ID)),
		slog.String("source", meta.SourceURL))
	return face, nil
}

func (c *Coordinator) vectors(raw []float32) map[string][]float32 {
	out := make(map[string][]float32, len(c.cfg.VectorFields))
	var normalized []float32
	for i, field := range c.cfg.VectorFields {
		if i == 0 || !c.cfg.Normalize {
			out[field] = raw
			continue
		}
		if normalized == nil {
			normalized = slices.Clone(raw)
			L2Normalize(normalized)
		}
		out[field] = normalized
	}
	return out
}

func wrapStoreErr(err error) error {
	if errors.Is(err, ErrStore) || errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrStore, err)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
