package service

import (
	"context"
	"errors"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
	_ "time/tzdata"
)

type stubEmbedder struct {
	value float32
	calls int
	last  []float32
}

func (e *stubEmbedder) Run(_ context.Context, input []float32) ([]float32, error) {
	e.calls++
	e.last = input
	out := make([]float32, EmbeddingDim)
	for i := range out {
		out[i] = e.value
	}
	return out, nil
}

type recordingStore struct {
	mu    sync.Mutex
	faces []*Face
	err   error
}

func (s *recordingStore) Upsert(_ context.Context, f *Face) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.faces = append(s.faces, f)
	return nil
}

func newTestCoordinator(t *testing.T, emb Embedder, st Store, normalize bool) (*Coordinator, string) {
	t.Helper()
	paris, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		t.Fatalf("load location: %v", err)
	}
	dir := t.TempDir()
	c := NewCoordinator(emb, st, CoordinatorConfig{
		ImagesDir:    dir,
		VectorFields: []string{"embedding", "default"},
		Normalize:    normalize,
		Location:     paris,
	})
	c.newID = func() uint32 { return 42 }
	c.now = func() time.Time { return time.Date(2024, 1, 15, 12, 0, 0, 250_000_000, time.UTC) }
	return c, dir
}

func TestIngest_GrayFaceEndToEnd(t *testing.T) {
	emb := &stubEmbedder{value: 0.1}
	st := &recordingStore{}
	c, dir := newTestCoordinator(t, emb, st, true)

	data := encodePNG(t, solidImage(ImageSize, ImageSize, color.NRGBA{128, 128, 128, 255}))
	face, err := c.Ingest(context.Background(), data, Metadata{Name: "gray", SourceURL: "https://example.com/"})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	for i, v := range emb.last {
		if v != 0.00390625 {
			t.Fatalf("tensor element %d: expected 0.00390625, got %v", i, v)
		}
	}
	if emb.calls != 1 {
		t.Errorf("expected a single inference, got %d", emb.calls)
	}

	raw := face.Vectors["embedding"]
	for i, v := range raw {
		if v != 0.1 {
			t.Fatalf("raw element %d: expected 0.1, got %v", i, v)
		}
	}
	want := 0.1 / math.Sqrt(512*0.01)
	for i, v := range face.Vectors["default"] {
		if math.Abs(float64(v)-want) > 1e-5 {
			t.Fatalf("normalized element %d: expected %f, got %f", i, want, v)
		}
	}

	if face.ID != 42 {
		t.Errorf("expected id 42, got %d", face.ID)
	}
	if face.Name == nil || *face.Name != "gray" {
		t.Errorf("unexpected name %v", face.Name)
	}
	if face.SourceURL == nil || *face.SourceURL != "https://example.com/" {
		t.Errorf("unexpected source url %v", face.SourceURL)
	}
	if face.Date == nil || *face.Date != "2024-01-15T13:00:00.25+01:00" {
		t.Errorf("unexpected date %v", face.Date)
	}

	if _, err := os.Stat(filepath.Join(dir, "42.jpg")); err != nil {
		t.Errorf("expected image artifact: %v", err)
	}
	if len(st.faces) != 1 || st.faces[0] != face {
		t.Errorf("expected the returned face to be upserted once, got %d", len(st.faces))
	}
}

func TestIngest_WithoutNormalizeStoresRawTwice(t *testing.T) {
	c, _ := newTestCoordinator(t, &stubEmbedder{value: 0.1}, &recordingStore{}, false)

	face, err := c.Ingest(context.Background(), encodePNG(t, solidImage(50, 80, color.White)), Metadata{})
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if face.Vectors["default"][0] != 0.1 || face.Vectors["embedding"][0] != 0.1 {
		t.Errorf("expected raw output under both fields, got %v / %v",
			face.Vectors["embedding"][0], face.Vectors["default"][0])
	}
	if face.Name != nil || face.SourceURL != nil {
		t.Error("empty metadata must be stored as absent")
	}
}

func TestIngest_DecodeFailureHasNoSideEffects(t *testing.T) {
	emb := &stubEmbedder{value: 0.1}
	st := &recordingStore{}
	c, dir := newTestCoordinator(t, emb, st, true)

	_, err := c.Ingest(context.Background(), []byte("<html>rate limited</html>"), Metadata{})
	if !errors.Is(err, ErrDecode) {
		t.Fatalf("expected ErrDecode, got %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no files, found %d", len(entries))
	}
	if emb.calls != 0 {
		t.Error("inference must not run on undecodable input")
	}
	if len(st.faces) != 0 {
		t.Error("store must not be called on undecodable input")
	}
}

func TestIngest_StoreFailureKeepsImage(t *testing.T) {
	st := &recordingStore{err: errors.New("connection reset")}
	c, dir := newTestCoordinator(t, &stubEmbedder{value: 0.1}, st, true)

	_, err := c.Ingest(context.Background(), encodePNG(t, solidImage(ImageSize, ImageSize, color.Black)), Metadata{})
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "42.jpg")); err != nil {
		t.Errorf("image written before the failed upsert should remain: %v", err)
	}
}

func TestIngest_StoreUnavailablePassesThrough(t *testing.T) {
	st := &recordingStore{err: errors.Join(ErrStoreUnavailable, errors.New("dial tcp: refused"))}
	c, _ := newTestCoordinator(t, &stubEmbedder{value: 0.1}, st, true)

	_, err := c.Ingest(context.Background(), encodePNG(t, solidImage(ImageSize, ImageSize, color.Black)), Metadata{})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
	if errors.Is(err, ErrStore) {
		t.Error("unavailable store should not be reported as a write error")
	}
}

func TestIngest_MissingImagesDir(t *testing.T) {
	st := &recordingStore{}
	c, dir := newTestCoordinator(t, &stubEmbedder{value: 0.1}, st, true)
	c.cfg.ImagesDir = filepath.Join(dir, "missing")

	_, err := c.Ingest(context.Background(), encodePNG(t, solidImage(ImageSize, ImageSize, color.Black)), Metadata{})
	if !errors.Is(err, ErrStore) {
		t.Fatalf("expected ErrStore, got %v", err)
	}
	if len(st.faces) != 0 {
		t.Error("store must not be called when the image could not be saved")
	}
}
