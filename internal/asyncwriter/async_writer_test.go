package asyncwriter

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onideus/gaming-capture/internal/test"
)

func TestWriterRunsCallbacks(t *testing.T) {
	w := New(16, &test.NilLogger{})
	w.Start()

	var count atomic.Int64
	for i := 0; i < 10; i++ {
		w.Push(func() error {
			count.Add(1)
			return nil
		})
	}

	require.Eventually(t, func() bool {
		return count.Load() == 10
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	require.Equal(t, uint64(0), w.Dropped())
	require.Equal(t, uint64(0), w.Errors())
}

func TestWriterSurvivesErrors(t *testing.T) {
	w := New(16, &test.NilLogger{})
	w.Start()

	var count atomic.Int64
	w.Push(func() error {
		return fmt.Errorf("transport failed")
	})
	w.Push(func() error {
		count.Add(1)
		return nil
	})

	// the callback after the failing one still runs
	require.Eventually(t, func() bool {
		return count.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.Stop()
	require.Equal(t, uint64(1), w.Errors())
}

func TestWriterDropsWhenFull(t *testing.T) {
	w := New(16, &test.NilLogger{})

	// the routine is not started, so the queue fills up
	for i := 0; i < 32; i++ {
		w.Push(func() error { return nil })
	}

	require.Equal(t, uint64(16), w.Dropped())
}
