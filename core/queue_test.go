// SPDX-License-Identifier: GPL-3.0-or-later

package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueTryPushFullReturnsFalse(t *testing.T) {
	q := NewQueue[int](1)
	require.True(t, q.TryPush(1))
	assert.False(t, q.TryPush(2))
}

func TestQueueTryPopEmptyReturnsFalse(t *testing.T) {
	q := NewQueue[int](1)
	_, ok := q.TryPop()
	assert.False(t, ok)
}

func TestQueuePushWaitTimeout(t *testing.T) {
	q := NewQueue[int](1)
	require.True(t, q.TryPush(1))

	ok := q.PushWait(context.Background(), 2, 10*time.Millisecond)
	assert.False(t, ok)
}

func TestQueuePopWaitDelivers(t *testing.T) {
	q := NewQueue[int](1)
	go func() {
		time.Sleep(5 * time.Millisecond)
		q.TryPush(42)
	}()

	value, ok := q.PopWait(context.Background(), 100*time.Millisecond)
	require.True(t, ok)
	assert.Equal(t, 42, value)
}
