// Package llmtest provides a scripted llm.Service for tests.
package llmtest

import (
	"context"
	"fmt"
	"sync"

	"store-insights/internal/common/errors"
	"store-insights/internal/llm"
)

type Reply struct {
	Text string
	Err  error
}

func Text(s string) Reply { return Reply{Text: s} }

func Fail(err error) Reply { return Reply{Err: err} }

// Unavailable is a retryable transport failure.
func Unavailable() Reply {
	return Reply{Err: errors.NewModelUnavailableError("scripted", fmt.Errorf("connection reset"))}
}

// Service answers each stage from a queue of replies, then repeats the
// stage's Always reply if one is set. It records every request.
type Service struct {
	mu       sync.Mutex
	queued   map[string][]Reply
	always   map[string]Reply
	calls    map[string]int
	requests []llm.Request
}

func New() *Service {
	return &Service{
		queued: make(map[string][]Reply),
		always: make(map[string]Reply),
		calls:  make(map[string]int),
	}
}

func (s *Service) Name() string { return "scripted" }

// On queues replies for stage, consumed in order.
func (s *Service) On(stage string, replies ...Reply) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queued[stage] = append(s.queued[stage], replies...)
	return s
}

// Always sets the reply used once the stage queue is empty.
func (s *Service) Always(stage string, r Reply) *Service {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.always[stage] = r
	return s
}

func (s *Service) Calls(stage string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[stage]
}

func (s *Service) TotalCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for _, n := range s.calls {
		total += n
	}
	return total
}

func (s *Service) Requests() []llm.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]llm.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

func (s *Service) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.calls[req.Stage]++
	s.requests = append(s.requests, req)

	if err := ctx.Err(); err != nil {
		return "", errors.NewCancelledError(err)
	}

	if queue := s.queued[req.Stage]; len(queue) > 0 {
		r := queue[0]
		s.queued[req.Stage] = queue[1:]
		return r.Text, r.Err
	}
	if r, ok := s.always[req.Stage]; ok {
		return r.Text, r.Err
	}
	return "", errors.NewModelRejectedError("scripted", fmt.Errorf("no reply scripted for stage %q", req.Stage))
}
