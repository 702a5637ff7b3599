package shutdown

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdown_RunsEveryHookOnce(t *testing.T) {
	m := NewManager()
	var n atomic.Int32
	for _, name := range []string{"streamer", "tracker"} {
		m.OnShutdown(name, func(context.Context) error {
			n.Add(1)
			return nil
		})
	}

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, int32(2), n.Load())
}

func TestShutdown_ReportsFailure(t *testing.T) {
	m := NewManager()
	boom := errors.New("boom")
	m.OnShutdown("ok", func(context.Context) error { return nil })
	m.OnShutdown("streamer", func(context.Context) error { return boom })

	err := m.Shutdown(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "shutdown streamer")
}

func TestShutdown_Timeout(t *testing.T) {
	m := NewManager()
	release := make(chan struct{})
	defer close(release)
	m.OnShutdown("stuck", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, m.Shutdown(ctx), context.DeadlineExceeded)
}

func TestShutdown_Empty(t *testing.T) {
	assert.NoError(t, NewManager().Shutdown(context.Background()))
}
