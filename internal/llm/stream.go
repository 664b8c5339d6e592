package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

type streamChunk struct {
	chunk ollamaChatResponse
	err   error
}

// ollamaStream adapts Ollama's NDJSON body into a TokenStream. A reader
// goroutine decodes chunks and hands them over an unbuffered channel; Next
// enforces the first-token and idle timeouts.
type ollamaStream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	body     io.ReadCloser
	chunks   chan streamChunk
	done     chan struct{}
	timeouts TimeoutConfig

	started  time.Time
	gotFirst bool
	total    int64
	err      error
	usage    Usage

	closeOnce sync.Once
}

func newOllamaStream(ctx context.Context, cancel context.CancelFunc, body io.ReadCloser, timeouts TimeoutConfig) *ollamaStream {
	s := &ollamaStream{
		ctx:      ctx,
		cancel:   cancel,
		body:     body,
		chunks:   make(chan streamChunk),
		done:     make(chan struct{}),
		timeouts: timeouts,
		started:  time.Now(),
	}
	go s.read()
	return s
}

func (s *ollamaStream) read() {
	defer close(s.done)
	defer close(s.chunks)

	decoder := json.NewDecoder(s.body)
	for {
		var chunk ollamaChatResponse
		err := decoder.Decode(&chunk)
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrTruncatedStream
			}
			select {
			case <-s.ctx.Done():
			case s.chunks <- streamChunk{err: err}:
			}
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case s.chunks <- streamChunk{chunk: chunk}:
		}
		if chunk.Done {
			return
		}
	}
}

// Next returns the next non-empty token, io.EOF at the completion marker, or
// the error that ended the stream. Once an error is returned every later
// call returns it again.
func (s *ollamaStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}

	for {
		wait := s.timeouts.StreamIdleTimeout
		if !s.gotFirst {
			wait = s.timeouts.FirstTokenTimeout - time.Since(s.started)
		}
		timer := time.NewTimer(wait)

		select {
		case <-s.ctx.Done():
			timer.Stop()
			s.err = s.ctx.Err()
			return "", s.err

		case c, ok := <-s.chunks:
			timer.Stop()
			if !ok {
				s.err = ErrTruncatedStream
				return "", s.err
			}
			if c.err != nil {
				s.err = fmt.Errorf("decode stream chunk: %w", c.err)
				return "", s.err
			}
			if c.chunk.Error != "" {
				s.err = fmt.Errorf("ollama stream error: %s", c.chunk.Error)
				return "", s.err
			}

			s.gotFirst = true
			if s.usage.Model == "" {
				s.usage.Model = c.chunk.Model
			}

			if content := c.chunk.Message.Content; content != "" {
				s.total += int64(len(content))
				if s.total > MaxStreamedResponseSize {
					s.err = fmt.Errorf("%w (%d bytes) - possible runaway generation", ErrResponseTooLarge, MaxStreamedResponseSize)
					return "", s.err
				}
				if c.chunk.Done {
					// Hold the marker for the next call.
					s.finish(c.chunk)
					s.err = io.EOF
				}
				return content, nil
			}

			if c.chunk.Done {
				s.finish(c.chunk)
				s.err = io.EOF
				return "", s.err
			}

		case <-timer.C:
			if !s.gotFirst {
				s.err = fmt.Errorf("%w (limit %v) - model may be loading or request stalled",
					ErrFirstTokenTimeout, s.timeouts.FirstTokenTimeout)
			} else {
				s.err = fmt.Errorf("%w (no token received for %v) - model appears to have stalled",
					ErrStreamStalled, s.timeouts.StreamIdleTimeout)
			}
			return "", s.err
		}
	}
}

func (s *ollamaStream) finish(c ollamaChatResponse) {
	if c.Model != "" {
		s.usage.Model = c.Model
	}
	s.usage.PromptTokens = c.PromptEvalCount
	s.usage.CompletionTokens = c.EvalCount
}

// Usage reports engine-side token counts once the stream reached io.EOF.
func (s *ollamaStream) Usage() Usage {
	return s.usage
}

// Close cancels the request and waits for the reader goroutine to exit.
func (s *ollamaStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.body.Close()
		<-s.done
	})
	return err
}
