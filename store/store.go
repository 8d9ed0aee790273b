// Package store persists face records into a vector-searchable backend.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/krau/facedb/config"
	"github.com/krau/facedb/service"
)

// Store is a vector store that holds face records. Configure must succeed
// before the first Upsert.
type Store interface {
	service.Store
	// Configure prepares the named vector fields, retrying while the backend
	// is not ready.
	Configure(ctx context.Context) error
	Close() error
}

type Options struct {
	Collection   string
	VectorFields []string
	Dimensions   int
	ReadyTimeout time.Duration
}

func OptionsFrom(cfg config.Config) Options {
	return Options{
		Collection:   cfg.Store.Collection,
		VectorFields: cfg.Store.VectorFields,
		Dimensions:   cfg.Model.Dimensions,
		ReadyTimeout: time.Duration(cfg.Store.ReadyTimeout) * time.Second,
	}
}

// New opens the backend named by cfg.Store.Backend.
func New(cfg config.Config) (Store, error) {
	opts := OptionsFrom(cfg)
	switch cfg.Store.Backend {
	case "qdrant":
		return NewQdrant(cfg.Store.Url, cfg.Store.Key, opts)
	case "postgres":
		return NewPostgres(cfg.Store.Url, opts)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
