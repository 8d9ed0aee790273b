//go:build integration

package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/krau/facedb/service"
	"github.com/qdrant/go-client/qdrant"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startQdrant(t *testing.T) string {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "qdrant/qdrant:v1.12.1",
		ExposedPorts: []string{"6334/tcp"},
		WaitingFor:   wait.ForListeningPort("6334/tcp").WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil || container == nil {
		t.Skipf("Docker not available, skipping integration test: %v", err)
	}
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "6334")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}
	return fmt.Sprintf("http://%s:%s", host, port.Port())
}

func openQdrant(t *testing.T, url string, dim int) *Qdrant {
	q, err := NewQdrant(url, "", Options{
		Collection:   "faces",
		VectorFields: []string{"embedding", "default"},
		Dimensions:   dim,
		ReadyTimeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("Failed to create qdrant client: %v", err)
	}
	t.Cleanup(func() { q.Close() })
	return q
}

func TestQdrant_ConfigureIsIdempotent(t *testing.T) {
	q := openQdrant(t, startQdrant(t), 4)
	ctx := context.Background()

	if err := q.Configure(ctx); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}
	if err := q.Configure(ctx); err != nil {
		t.Errorf("second Configure failed: %v", err)
	}
}

func TestQdrant_ConfigureRejectsDimensionChange(t *testing.T) {
	url := startQdrant(t)
	ctx := context.Background()

	if err := openQdrant(t, url, 4).Configure(ctx); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	start := time.Now()
	if err := openQdrant(t, url, 8).Configure(ctx); err == nil {
		t.Error("expected Configure to fail for a collection with a different vector size")
	}
	if time.Since(start) > 10*time.Second {
		t.Error("size mismatch must not be retried until the ready timeout")
	}
}

func TestQdrant_UpsertOverwrites(t *testing.T) {
	q := openQdrant(t, startQdrant(t), 4)
	ctx := context.Background()
	if err := q.Configure(ctx); err != nil {
		t.Fatalf("Configure failed: %v", err)
	}

	name := "first"
	face := &service.Face{
		ID:   99,
		Name: &name,
		Vectors: map[string][]float32{
			"embedding": {1, 0, 0, 0},
			"default":   {1, 0, 0, 0},
		},
	}
	if err := q.Upsert(ctx, face); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	renamed := "second"
	face.Name = &renamed
	face.Vectors["embedding"] = []float32{0, 1, 0, 0}
	if err := q.Upsert(ctx, face); err != nil {
		t.Fatalf("second Upsert failed: %v", err)
	}

	count, err := q.client.Count(ctx, &qdrant.CountPoints{
		CollectionName: "faces",
		Exact:          qdrant.PtrOf(true),
	})
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 point, got %d", count)
	}

	points, err := q.client.Get(ctx, &qdrant.GetPoints{
		CollectionName: "faces",
		Ids:            []*qdrant.PointId{qdrant.NewIDNum(99)},
		WithPayload:    qdrant.NewWithPayload(true),
		WithVectors:    qdrant.NewWithVectors(true),
	})
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if len(points) != 1 {
		t.Fatalf("expected 1 point, got %d", len(points))
	}
	if got := points[0].GetPayload()["name"].GetStringValue(); got != "second" {
		t.Errorf("expected name to be overwritten, got %s", got)
	}
	// cosine collections store vectors normalized; {0,1,0,0} is already unit length
	vec := points[0].GetVectors().GetVectors().GetVectors()["embedding"].GetData()
	if len(vec) != 4 || vec[1] != 1 || vec[0] != 0 {
		t.Errorf("expected overwritten vector, got %v", vec)
	}
}
