package task

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskStopJoins(t *testing.T) {
	tk := Go(context.Background(), func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})

	require.True(t, tk.Running())
	require.NoError(t, tk.Stop(time.Second))
	assert.False(t, tk.Running())
	assert.ErrorIs(t, tk.Err(), context.Canceled)
}

func TestTaskWaitTimeout(t *testing.T) {
	release := make(chan struct{})
	tk := Go(context.Background(), func(ctx context.Context) error {
		<-release
		return nil
	})

	err := tk.Stop(20 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrJoinTimeout))

	close(release)
	require.NoError(t, tk.Wait(time.Second))
}

func TestTaskRecoversPanic(t *testing.T) {
	tk := Go(context.Background(), func(ctx context.Context) error {
		panic("boom")
	})

	require.NoError(t, tk.Wait(time.Second))
	require.Error(t, tk.Err())
	assert.Contains(t, tk.Err().Error(), "boom")
}

func TestNilTaskIsSafe(t *testing.T) {
	var tk *Task
	tk.Cancel()
	assert.NoError(t, tk.Wait(time.Millisecond))
	assert.False(t, tk.Running())
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, Sleep(ctx, time.Hour))
}
