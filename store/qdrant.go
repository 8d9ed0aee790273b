package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"

	"github.com/cenkalti/backoff/v4"
	"github.com/krau/facedb/service"
	"github.com/qdrant/go-client/qdrant"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const defaultQdrantPort = 6334

type Qdrant struct {
	client *qdrant.Client
	opts   Options
}

// NewQdrant connects to the Qdrant gRPC endpoint at rawURL, for example
// "http://localhost:6334". An https scheme enables TLS.
func NewQdrant(rawURL, apiKey string, opts Options) (*Qdrant, error) {
	qcfg, err := qdrantConfig(rawURL, apiKey)
	if err != nil {
		return nil, err
	}
	client, err := qdrant.NewClient(qcfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create qdrant client: %w", err)
	}
	return &Qdrant{client: client, opts: opts}, nil
}

func qdrantConfig(rawURL, apiKey string) (*qdrant.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return nil, fmt.Errorf("invalid qdrant url %q", rawURL)
	}
	port := defaultQdrantPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid qdrant port %q", p)
		}
	}
	return &qdrant.Config{
		Host:   u.Hostname(),
		Port:   port,
		APIKey: apiKey,
		UseTLS: u.Scheme == "https",
	}, nil
}

// Configure creates the collection with one named vector per field. An
// existing collection must already declare every field with the configured
// size, otherwise Configure fails.
func (q *Qdrant) Configure(ctx context.Context) error {
	err := untilReady(ctx, "qdrant collection", q.opts.ReadyTimeout, func() error {
		exists, err := q.client.CollectionExists(ctx, q.opts.Collection)
		if err != nil {
			if transient(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if exists {
			info, err := q.client.GetCollectionInfo(ctx, q.opts.Collection)
			if err != nil {
				if transient(err) {
					return err
				}
				return backoff.Permanent(err)
			}
			if err := checkVectors(info.GetConfig().GetParams().GetVectorsConfig(), q.vectorParams()); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}
		err = q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.opts.Collection,
			VectorsConfig:  qdrant.NewVectorsConfigMap(q.vectorParams()),
		})
		if err != nil && !transient(err) {
			return backoff.Permanent(err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to configure qdrant collection %q: %w", q.opts.Collection, err)
	}
	slog.Info("Qdrant collection ready",
		slog.String("collection", q.opts.Collection),
		slog.Any("fields", q.opts.VectorFields))
	return nil
}

func (q *Qdrant) vectorParams() map[string]*qdrant.VectorParams {
	params := make(map[string]*qdrant.VectorParams, len(q.opts.VectorFields))
	for _, field := range q.opts.VectorFields {
		params[field] = &qdrant.VectorParams{
			Size:     uint64(q.opts.Dimensions),
			Distance: qdrant.Distance_Cosine,
		}
	}
	return params
}

// checkVectors compares an existing collection's named vectors against want.
// Extra vectors in the collection are allowed.
func checkVectors(have *qdrant.VectorsConfig, want map[string]*qdrant.VectorParams) error {
	named := have.GetParamsMap().GetMap()
	if named == nil {
		return errors.New("collection has no named vectors")
	}
	for field, w := range want {
		h, ok := named[field]
		if !ok {
			return fmt.Errorf("collection is missing vector %q", field)
		}
		if h.GetSize() != w.GetSize() {
			return fmt.Errorf("vector %q has size %d, want %d", field, h.GetSize(), w.GetSize())
		}
	}
	return nil
}

func (q *Qdrant) Upsert(ctx context.Context, face *service.Face) error {
	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.opts.Collection,
		Wait:           qdrant.PtrOf(true),
		Points:         []*qdrant.PointStruct{point(face)},
	})
	if err != nil {
		if transient(err) {
			return fmt.Errorf("%w: %w", service.ErrStoreUnavailable, err)
		}
		return fmt.Errorf("%w: %w", service.ErrStore, err)
	}
	return nil
}

func point(face *service.Face) *qdrant.PointStruct {
	vectors := make(map[string]*qdrant.Vector, len(face.Vectors))
	for field, v := range face.Vectors {
		vectors[field] = qdrant.NewVector(v...)
	}
	return &qdrant.PointStruct{
		Id:      qdrant.NewIDNum(uint64(face.ID)),
		Vectors: qdrant.NewVectorsMap(vectors),
		Payload: qdrant.NewValueMap(payload(face)),
	}
}

func payload(face *service.Face) map[string]any {
	p := map[string]any{"id": int64(face.ID)}
	if face.Name != nil {
		p["name"] = *face.Name
	}
	if face.SourceURL != nil {
		p["source_url"] = *face.SourceURL
	}
	if face.Date != nil {
		p["date"] = *face.Date
	}
	return p
}

// transient reports whether err means the server could not be reached or is
// still starting.
func transient(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}

func (q *Qdrant) Close() error {
	return q.client.Close()
}
