package providers

import (
	"context"
	"io"
	"sync"

	"github.com/modelgrid/inferd/pkg/models"
)

// DefaultStreamBuffer bounds how far a producer may run ahead of a slow
// consumer before Send blocks.
const DefaultStreamBuffer = 8

// StreamIterator is the pull side of a chunk stream. Next blocks until a
// chunk is available, the stream ends (io.EOF), or the stream fails. After a
// non-nil error the iterator is exhausted; streams never restart.
type StreamIterator interface {
	Next(ctx context.Context) (models.StreamChunk, error)
	Close() error
}

// PushStream bridges a producing goroutine to a StreamIterator with a
// bounded buffer. The producer calls Send for each chunk and finishes with
// exactly one Done or Fail; the consumer pulls via Next and may Close early
// to release the producer.
type PushStream struct {
	ch       chan models.StreamChunk
	consumer chan struct{}

	mu  sync.Mutex
	err error

	closeOnce  sync.Once
	finishOnce sync.Once
}

// NewPushStream returns a stream with the given buffer size; zero or
// negative sizes fall back to DefaultStreamBuffer.
func NewPushStream(buffer int) *PushStream {
	if buffer <= 0 {
		buffer = DefaultStreamBuffer
	}
	return &PushStream{
		ch:       make(chan models.StreamChunk, buffer),
		consumer: make(chan struct{}),
	}
}

// Send delivers one chunk, blocking while the buffer is full. It returns an
// error when the consumer closed the stream or ctx ends, at which point the
// producer should stop.
func (s *PushStream) Send(ctx context.Context, chunk models.StreamChunk) error {
	select {
	case <-s.consumer:
		return io.ErrClosedPipe
	default:
	}
	select {
	case s.ch <- chunk:
		return nil
	case <-s.consumer:
		return io.ErrClosedPipe
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done terminates the stream successfully. Safe to call once per stream;
// later terminations are ignored.
func (s *PushStream) Done() {
	s.finishOnce.Do(func() {
		close(s.ch)
	})
}

// Fail terminates the stream with err, which Next returns after buffered
// chunks drain.
func (s *PushStream) Fail(err error) {
	s.finishOnce.Do(func() {
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		close(s.ch)
	})
}

// Next returns the next chunk, io.EOF after Done, or the Fail error.
func (s *PushStream) Next(ctx context.Context) (models.StreamChunk, error) {
	select {
	case chunk, ok := <-s.ch:
		if !ok {
			s.mu.Lock()
			err := s.err
			s.mu.Unlock()
			if err != nil {
				return models.StreamChunk{}, err
			}
			return models.StreamChunk{}, io.EOF
		}
		return chunk, nil
	case <-ctx.Done():
		return models.StreamChunk{}, ctx.Err()
	}
}

// Close releases the producer. Chunks already buffered are discarded.
func (s *PushStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.consumer)
	})
	return nil
}
