package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/krau/facedb/config"
	"github.com/krau/facedb/onnx"
	"github.com/krau/facedb/service"
	"github.com/krau/facedb/store"
	ort "github.com/yalue/onnxruntime_go"
)

// app holds everything an ingestion producer needs.
type app struct {
	coordinator *service.Coordinator
	engine      *service.Engine
	store       store.Store
}

// newApp loads the model, connects the store and builds the coordinator.
// Any failure here is fatal for the calling command.
func newApp(ctx context.Context, cfg config.Config) (*app, error) {
	if err := os.MkdirAll(cfg.ImagesDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create images directory: %w", err)
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("failed to load timezone %q: %w", cfg.Timezone, err)
	}

	modelPath := filepath.Join(cfg.Model.Dir, cfg.Model.FileName)
	if err := onnx.EnsureModel(ctx, nil, cfg.Model.Url, modelPath); err != nil {
		return nil, err
	}

	ort.SetSharedLibraryPath(onnx.LibPath())
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("failed to initialize ONNX Runtime environment: %w", err)
	}
	session, err := service.NewORTSession(service.SessionConfig{
		ModelPath:      modelPath,
		InputName:      cfg.Model.InputName,
		OutputName:     cfg.Model.OutputName,
		Dimensions:     cfg.Model.Dimensions,
		IntraOpThreads: cfg.Model.IntraOpThreads,
	})
	if err != nil {
		ort.DestroyEnvironment()
		return nil, err
	}
	engine := service.NewEngine(session, cfg.Model.Dimensions)
	slog.Info("Model loaded successfully", slog.String("path", modelPath))

	st, err := store.New(cfg)
	if err != nil {
		engine.Close()
		ort.DestroyEnvironment()
		return nil, err
	}
	if err := st.Configure(ctx); err != nil {
		st.Close()
		engine.Close()
		ort.DestroyEnvironment()
		return nil, err
	}

	coordinator := service.NewCoordinator(engine, st, service.CoordinatorConfig{
		ImagesDir:    cfg.ImagesDir,
		VectorFields: cfg.Store.VectorFields,
		Normalize:    cfg.Store.Normalize,
		Location:     loc,
	})
	return &app{coordinator: coordinator, engine: engine, store: st}, nil
}

func (a *app) Close() {
	if err := a.store.Close(); err != nil {
		slog.Error("Failed to close store", slog.String("error", err.Error()))
	}
	if err := a.engine.Close(); err != nil {
		slog.Error("Failed to destroy session", slog.String("error", err.Error()))
	}
	ort.DestroyEnvironment()
}
