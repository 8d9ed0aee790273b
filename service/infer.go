package service

import (
	"context"
	"fmt"
	"sync"
)

// Session runs one forward pass. Implementations are not safe for concurrent use.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy() error
}

// Engine serializes access to a single Session. The session lives in a
// one-slot channel: whoever holds it has exclusive use, everyone else waits
// on the channel or on their context.
type Engine struct {
	slot chan Session
	dim  int

	done      chan struct{}
	closeOnce sync.Once
}

func NewEngine(s Session, dim int) *Engine {
	e := &Engine{slot: make(chan Session, 1), dim: dim, done: make(chan struct{})}
	e.slot <- s
	return e
}

var errEngineClosed = fmt.Errorf("%w: engine closed", ErrInference)

// Run computes the embedding for one preprocessed tensor.
func (e *Engine) Run(ctx context.Context, input []float32) ([]float32, error) {
	if len(input) != TensorLen {
		return nil, fmt.Errorf("%w: input has %d elements, want %d", ErrInference, len(input), TensorLen)
	}

	var s Session
	select {
	case s = <-e.slot:
	case <-e.done:
		return nil, errEngineClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { e.slot <- s }()
	select {
	case <-e.done:
		return nil, errEngineClosed
	default:
	}

	out, err := s.Run(input)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInference, err)
	}
	if len(out) != e.dim {
		return nil, fmt.Errorf("%w: output has %d elements, want %d", ErrInference, len(out), e.dim)
	}
	return out, nil
}

// Close waits for the in-flight call, if any, and destroys the session.
// Later Run calls fail with ErrInference instead of waiting.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		s := <-e.slot
		err = s.Destroy()
	})
	return err
}
