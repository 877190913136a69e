package conflict

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"depot-packer/internal/model"
)

var (
	ErrAlreadyPending = errors.New("output conflict already pending")
	ErrNotPending     = errors.New("no pending output conflict")
)

// Notifier surfaces a pending conflict to whoever can answer it.
type Notifier interface {
	NotifyConflict(prompt model.OutputConflictPrompt) error
}

type NotifierFunc func(prompt model.OutputConflictPrompt) error

func (f NotifierFunc) NotifyConflict(prompt model.OutputConflictPrompt) error {
	return f(prompt)
}

// Registry holds at most one pending conflict per job id. Each request gets a
// single-use channel; Resolve delivers exactly one choice into it.
type Registry struct {
	mu      sync.Mutex
	pending map[string]chan model.OutputConflictChoice
	notify  Notifier
}

func NewRegistry(notify Notifier) *Registry {
	return &Registry{pending: map[string]chan model.OutputConflictChoice{}, notify: notify}
}

// Request registers the conflict, notifies, and blocks until Resolve or ctx ends.
func (r *Registry) Request(ctx context.Context, prompt model.OutputConflictPrompt) (model.OutputConflictChoice, error) {
	ch := make(chan model.OutputConflictChoice, 1)

	r.mu.Lock()
	if _, exists := r.pending[prompt.JobID]; exists {
		r.mu.Unlock()
		return "", fmt.Errorf("%w for job %s", ErrAlreadyPending, prompt.JobID)
	}
	r.pending[prompt.JobID] = ch
	r.mu.Unlock()

	if r.notify != nil {
		if err := r.notify.NotifyConflict(prompt); err != nil {
			r.drop(prompt.JobID, ch)
			return "", fmt.Errorf("notify output conflict for job %s: %w", prompt.JobID, err)
		}
	}

	select {
	case choice := <-ch:
		return choice, nil
	case <-ctx.Done():
		r.drop(prompt.JobID, ch)
		return "", ctx.Err()
	}
}

// Resolve answers the pending conflict for jobID. A second call errors.
func (r *Registry) Resolve(jobID string, choice model.OutputConflictChoice) error {
	r.mu.Lock()
	ch, ok := r.pending[jobID]
	if ok {
		delete(r.pending, jobID)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w for job %s", ErrNotPending, jobID)
	}
	ch <- choice
	return nil
}

func (r *Registry) drop(jobID string, ch chan model.OutputConflictChoice) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.pending[jobID]; ok && cur == ch {
		delete(r.pending, jobID)
	}
}
