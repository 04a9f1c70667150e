package ingest

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/onideus/gaming-capture/internal/test"
	"github.com/onideus/gaming-capture/internal/unit"
)

func TestQueueOverflow(t *testing.T) {
	q := &Queue{
		VideoQueueSize: 30,
		AudioQueueSize: 30,
		Parent:         &test.NilLogger{},
	}
	q.Initialize()
	defer q.Close()

	accepted := 0
	for i := 0; i < 200; i++ {
		if q.PushVideo(&unit.Video{PTS: int64(i)}) {
			accepted++
		}
	}

	require.Equal(t, 30, accepted)
	require.Equal(t, uint64(170), q.VideoDropped())

	// queued frames come out in push order
	for i := 0; i < 30; i++ {
		u := <-q.Video()
		require.Equal(t, int64(i), u.PTS)
	}

	select {
	case <-q.Video():
		t.Error("unexpected frame")
	default:
	}
}

func TestQueueDrainAfterOverflow(t *testing.T) {
	q := &Queue{
		VideoQueueSize: 2,
		AudioQueueSize: 2,
		Parent:         &test.NilLogger{},
	}
	q.Initialize()
	defer q.Close()

	require.True(t, q.PushAudio(&unit.Audio{PTS: 1}))
	require.True(t, q.PushAudio(&unit.Audio{PTS: 2}))
	require.False(t, q.PushAudio(&unit.Audio{PTS: 3}))
	require.Equal(t, uint64(1), q.AudioDropped())

	<-q.Audio()

	// space freed by the consumer is usable again
	require.True(t, q.PushAudio(&unit.Audio{PTS: 4}))

	u := <-q.Audio()
	require.Equal(t, int64(2), u.PTS)
	u = <-q.Audio()
	require.Equal(t, int64(4), u.PTS)
}

func TestQueueMetadata(t *testing.T) {
	q := &Queue{
		VideoQueueSize: 1,
		AudioQueueSize: 1,
		Parent:         &test.NilLogger{},
	}
	q.Initialize()
	defer q.Close()

	require.True(t, q.PushMetadata(&unit.StreamMetadata{VideoWidth: 1920}))

	m := <-q.Metadata()
	require.Equal(t, 1920, m.VideoWidth)
}
