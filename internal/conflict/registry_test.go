package conflict

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"depot-packer/internal/model"
)

func isPending(r *Registry, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[jobID]
	return ok
}

func TestRequestResolvesExactlyOnce(t *testing.T) {
	prompts := make(chan model.OutputConflictPrompt, 1)
	reg := NewRegistry(NotifierFunc(func(p model.OutputConflictPrompt) error {
		prompts <- p
		return nil
	}))

	result := make(chan model.OutputConflictChoice, 1)
	go func() {
		choice, err := reg.Request(context.Background(), model.OutputConflictPrompt{JobID: "j1", OutputPath: "/out/Game"})
		assert.NoError(t, err)
		result <- choice
	}()

	p := <-prompts
	assert.Equal(t, "/out/Game", p.OutputPath)
	assert.True(t, isPending(reg, "j1"))

	_, err := reg.Request(context.Background(), model.OutputConflictPrompt{JobID: "j1"})
	assert.ErrorIs(t, err, ErrAlreadyPending)

	require.NoError(t, reg.Resolve("j1", model.ConflictCopy))
	assert.Equal(t, model.ConflictCopy, <-result)
	assert.ErrorIs(t, reg.Resolve("j1", model.ConflictCancel), ErrNotPending)
	assert.False(t, isPending(reg, "j1"))
}

func TestNotifyFailureRemovesPending(t *testing.T) {
	reg := NewRegistry(NotifierFunc(func(model.OutputConflictPrompt) error {
		return errors.New("ui gone")
	}))
	_, err := reg.Request(context.Background(), model.OutputConflictPrompt{JobID: "j2"})
	require.ErrorContains(t, err, "ui gone")
	assert.False(t, isPending(reg, "j2"))
}

func TestRequestHonoursContext(t *testing.T) {
	reg := NewRegistry(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := reg.Request(ctx, model.OutputConflictPrompt{JobID: "j3"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, isPending(reg, "j3"))
	assert.ErrorIs(t, reg.Resolve("j3", model.ConflictOverwrite), ErrNotPending)
}
