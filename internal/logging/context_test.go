package logging

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetachContext_SurvivesCancellation(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	detached := DetachContext(parent)

	cancel()

	assert.Error(t, parent.Err())
	assert.NoError(t, detached.Err(), "detached should survive cancellation")
}

func TestDetachContextWithTimeout_SurvivesParentCancellation(t *testing.T) {
	parent, parentCancel := context.WithCancel(context.Background())
	detached, detachedCancel := DetachContextWithTimeout(parent, 100*time.Millisecond)
	defer detachedCancel()

	parentCancel()

	require.Error(t, parent.Err())
	assert.NoError(t, detached.Err())

	time.Sleep(150 * time.Millisecond)
	assert.Equal(t, context.DeadlineExceeded, detached.Err())
}

func TestDetachContext_KeepsValues(t *testing.T) {
	type key struct{}
	parent := context.WithValue(context.Background(), key{}, "turn-1")
	detached := DetachContext(parent)
	assert.Equal(t, "turn-1", detached.Value(key{}))
}
