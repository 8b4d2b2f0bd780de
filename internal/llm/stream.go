package llm

import (
	"context"
	"io"
	"sync"
)

// Stream yields responses until io.EOF.
type Stream interface {
	Recv() (*Response, error)
	Close() error
}

// responseStream is a channel-backed Stream fed by a producer goroutine.
// The producer's returned error is delivered on the Recv that drains the
// channel; Close cancels the producer.
type responseStream struct {
	ch     chan *Response
	errCh  chan error
	cancel context.CancelFunc
	once   sync.Once
	err    error
	done   bool
}

// newResponseStream starts producer in a goroutine and returns a Stream
// over the responses it emits. The producer must return when its context
// is cancelled.
func newResponseStream(ctx context.Context, producer func(ctx context.Context, out chan<- *Response) error) Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &responseStream{
		ch:     make(chan *Response, 8),
		errCh:  make(chan error, 1),
		cancel: cancel,
	}
	go func() {
		err := producer(ctx, s.ch)
		close(s.ch)
		s.errCh <- err
	}()
	return s
}

func (s *responseStream) Recv() (*Response, error) {
	if s.done {
		if s.err != nil {
			return nil, s.err
		}
		return nil, io.EOF
	}
	resp, ok := <-s.ch
	if ok {
		return resp, nil
	}
	s.done = true
	s.err = <-s.errCh
	if s.err != nil {
		return nil, s.err
	}
	return nil, io.EOF
}

func (s *responseStream) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// singleResponseStream adapts a non-streaming response to the Stream
// interface.
type singleResponseStream struct {
	resp *Response
	sent bool
}

// NewSingleResponseStream wraps one response as a finished stream.
func NewSingleResponseStream(resp *Response) Stream {
	return &singleResponseStream{resp: resp}
}

func (s *singleResponseStream) Recv() (*Response, error) {
	if s.sent {
		return nil, io.EOF
	}
	s.sent = true
	return s.resp, nil
}

func (s *singleResponseStream) Close() error { return nil }
