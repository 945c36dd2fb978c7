package task

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"queued to running is legal", StatusQueued, StatusRunning, true},
		{"running to completed is legal", StatusRunning, StatusCompleted, true},
		{"running to failed is legal", StatusRunning, StatusFailed, true},
		{"running to cancelled is legal", StatusRunning, StatusCancelled, true},
		{"running to awaiting-approval is legal", StatusRunning, StatusAwaitingApproval, true},
		{"awaiting-approval resumes to running", StatusAwaitingApproval, StatusRunning, true},
		{"awaiting-approval to completed is legal", StatusAwaitingApproval, StatusCompleted, true},
		{"queued to completed skips running, illegal", StatusQueued, StatusCompleted, false},
		{"completed is terminal, no further transition", StatusCompleted, StatusRunning, false},
		{"failed is terminal, no further transition", StatusFailed, StatusCompleted, false},
		{"cancelled is terminal, no further transition", StatusCancelled, StatusRunning, false},
		{"running cannot go back to queued", StatusRunning, StatusQueued, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusQueued.Terminal())
	assert.False(t, StatusRunning.Terminal())
	assert.False(t, StatusAwaitingApproval.Terminal())
}
