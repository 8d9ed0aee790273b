package server

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/krau/facedb/service"
)

var (
	errUnauthorized = errors.New("unauthorized")
)

type Ingester interface {
	Ingest(ctx context.Context, data []byte, meta service.Metadata) (*service.Face, error)
}

type Handler struct {
	ingester      Ingester
	token         string
	maxUploadSize int64
}

func NewHandler(ingester Ingester, token string, maxUploadSize int64) *Handler {
	return &Handler{ingester: ingester, token: token, maxUploadSize: maxUploadSize}
}

func (h *Handler) authenticate(c *gin.Context) error {
	auth := c.GetHeader("Authorization")

	if h.token == "" {
		return nil
	}
	providedToken := ""
	if len(auth) > 7 && auth[:7] == "Bearer " {
		providedToken = auth[7:]
	}
	if subtle.ConstantTimeCompare([]byte(providedToken), []byte(h.token)) != 1 {
		return errUnauthorized
	}

	return nil
}

type UploadResponse struct {
	ID         uint32  `json:"id"`
	Name       *string `json:"name,omitempty"`
	SourceURL  *string `json:"source_url,omitempty"`
	Date       *string `json:"date,omitempty"`
	Dimensions int     `json:"dimensions"`
}

func (h *Handler) Upload(c *gin.Context) {
	if err := h.authenticate(c); err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication failed"})
		return
	}

	fileHeader, err := c.FormFile("image")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "no image uploaded"})
		return
	}
	if fileHeader.Size > h.maxUploadSize {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "image too large"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot open uploaded image"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, h.maxUploadSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "cannot read uploaded image"})
		return
	}

	face, err := h.ingester.Ingest(c.Request.Context(), data, service.Metadata{
		Name:      c.PostForm("name"),
		SourceURL: c.PostForm("source_url"),
	})
	if err != nil {
		status, msg := errorStatus(err)
		if status >= http.StatusInternalServerError {
			slog.Error("Ingestion failed",
				slog.String("request_id", c.GetString(requestIDKey)),
				slog.String("error", err.Error()))
		}
		c.JSON(status, gin.H{"error": msg})
		return
	}

	c.JSON(http.StatusOK, UploadResponse{
		ID:         face.ID,
		Name:       face.Name,
		SourceURL:  face.SourceURL,
		Date:       face.Date,
		Dimensions: dimensions(face),
	})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrDecode):
		return http.StatusBadRequest, "cannot decode image"
	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store unavailable"
	case errors.Is(err, service.ErrInference):
		return http.StatusInternalServerError, "inference failed"
	default:
		return http.StatusInternalServerError, "ingestion failed"
	}
}

func dimensions(face *service.Face) int {
	for _, v := range face.Vectors {
		return len(v)
	}
	return 0
}

func HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "healthy"})
}
