package boundedhttp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireBlocksAtCapacity(t *testing.T) {
	c := New(Options{Concurrency: 1})

	first, err := c.Acquire(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second acquire must block until the first is released")

	first.Release()

	second, err := c.Acquire(context.Background())
	require.NoError(t, err)
	second.Release()
}

func TestAcquireAllowsConcurrencyUpToLimit(t *testing.T) {
	c := New(Options{Concurrency: 3})

	var borrowed []*Borrowed
	for i := 0; i < 3; i++ {
		b, err := c.Acquire(context.Background())
		require.NoError(t, err)
		borrowed = append(borrowed, b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Acquire(ctx)
	assert.Error(t, err, "a fourth acquire must block when capacity is 3")

	for _, b := range borrowed {
		b.Release()
	}
}
