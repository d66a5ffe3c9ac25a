package policy

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Step is one scripted answer.
type Step struct {
	Decision Decision
	Err      error
	// Delay holds the answer back, honouring ctx cancellation.
	Delay time.Duration
}

// Scripted replays a fixed sequence of answers. Once the script is
// exhausted it defers to Fallback, or fails when Fallback is nil.
type Scripted struct {
	Fallback Policy

	mu       sync.Mutex
	steps    []Step
	requests []Request
}

// NewScripted returns a policy that answers with steps in order.
func NewScripted(steps ...Step) *Scripted {
	return &Scripted{steps: steps}
}

func (s *Scripted) Name() string { return "scripted" }

func (s *Scripted) Decide(ctx context.Context, req Request) (Decision, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	if len(s.steps) == 0 {
		s.mu.Unlock()
		if s.Fallback != nil {
			return s.Fallback.Decide(ctx, req)
		}
		return Decision{}, fmt.Errorf("%w: script exhausted", ErrOracle)
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	s.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-ctx.Done():
			return Decision{}, fmt.Errorf("%w: %v", ErrOracle, ctx.Err())
		case <-time.After(step.Delay):
		}
	}
	return step.Decision, step.Err
}

// Requests returns every request seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}
