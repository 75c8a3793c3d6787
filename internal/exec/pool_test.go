package exec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolSingleCoreSlotsAreIndependent(t *testing.T) {
	p := NewPool(2)
	release1, err := p.Acquire(context.Background(), 1)
	require.NoError(t, err)
	release2, err := p.Acquire(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release1()
	release2()
}

func TestPoolExclusiveWaitsForAllSlots(t *testing.T) {
	p := NewPool(2)
	release, err := p.Acquire(context.Background(), 1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, 2)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	release()
	releaseAll, err := p.Acquire(context.Background(), 2)
	require.NoError(t, err)
	releaseAll()
}

func TestPoolAcquireClampsToCapacity(t *testing.T) {
	p := NewPool(2)
	release, err := p.Acquire(context.Background(), 10)
	require.NoError(t, err)
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
