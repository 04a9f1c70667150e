package distributor

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/require"

	"github.com/onideus/gaming-capture/internal/ingest"
	"github.com/onideus/gaming-capture/internal/test"
	"github.com/onideus/gaming-capture/internal/unit"
)

type fakeWriter struct {
	mutex        sync.Mutex
	videoSamples []*media.Sample
	keyframes    []bool
	audioSamples []*media.Sample
}

func (w *fakeWriter) WriteVideoSample(sample *media.Sample, isKeyframe bool) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.videoSamples = append(w.videoSamples, sample)
	w.keyframes = append(w.keyframes, isKeyframe)
}

func (w *fakeWriter) WriteAudioSample(sample *media.Sample) {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	w.audioSamples = append(w.audioSamples, sample)
}

func (w *fakeWriter) PeerCount() int {
	return 1
}

func (w *fakeWriter) videoCount() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.videoSamples)
}

func (w *fakeWriter) audioCount() int {
	w.mutex.Lock()
	defer w.mutex.Unlock()
	return len(w.audioSamples)
}

func setup(t *testing.T) (*ingest.Queue, *fakeWriter, *Distributor) {
	q := &ingest.Queue{
		VideoQueueSize: 32,
		AudioQueueSize: 32,
		Parent:         &test.NilLogger{},
	}
	q.Initialize()
	t.Cleanup(q.Close)

	w := &fakeWriter{}

	d := &Distributor{
		Queue:  q,
		Writer: w,
		Parent: &test.NilLogger{},
	}
	d.Initialize()
	t.Cleanup(d.Close)

	return q, w, d
}

func TestDistributorVideo(t *testing.T) {
	q, w, _ := setup(t)

	q.PushVideo(&unit.Video{
		PTS:        1,
		IsKeyframe: true,
		Codec:      unit.CodecH264,
		Payload:    []byte{0x00, 0x00, 0x00, 0x01, 0x65},
	})
	q.PushVideo(&unit.Video{
		PTS:     2,
		Codec:   unit.CodecH264,
		Payload: []byte{0x00, 0x00, 0x00, 0x01, 0x41},
	})

	require.Eventually(t, func() bool {
		return w.videoCount() == 2
	}, 2*time.Second, 10*time.Millisecond)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	require.True(t, w.keyframes[0])
	require.False(t, w.keyframes[1])
	require.Equal(t, defaultVideoFrameDuration, w.videoSamples[0].Duration)
	require.Equal(t, []byte{0x00, 0x00, 0x00, 0x01, 0x65}, w.videoSamples[0].Data)
}

func TestDistributorFrameDurationFromMetadata(t *testing.T) {
	q, w, _ := setup(t)

	q.PushMetadata(&unit.StreamMetadata{
		VideoWidth:  1920,
		VideoHeight: 1080,
		VideoCodec:  unit.CodecH264,
		VideoFPS:    60,
	})
	q.PushVideo(&unit.Video{
		PTS:        1,
		IsKeyframe: true,
		Codec:      unit.CodecH264,
		Payload:    []byte{0x65},
	})

	require.Eventually(t, func() bool {
		return w.videoCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	require.Equal(t, time.Second/60, w.videoSamples[0].Duration)
}

func TestDistributorAudioDuration(t *testing.T) {
	q, w, _ := setup(t)

	q.PushAudio(&unit.Audio{
		PTS:         1,
		SampleRate:  48000,
		Channels:    2,
		SampleCount: 960,
		Payload:     make([]byte, 3840),
	})

	require.Eventually(t, func() bool {
		return w.audioCount() == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.mutex.Lock()
	defer w.mutex.Unlock()
	require.Equal(t, 20*time.Millisecond, w.audioSamples[0].Duration)
	require.Len(t, w.audioSamples[0].Data, 3840)
}

func TestDistributorDrainOnClose(t *testing.T) {
	q, w, d := setup(t)

	// queued before close, delivered during the drain pass
	for i := 0; i < 5; i++ {
		q.PushVideo(&unit.Video{
			PTS:        int64(i),
			IsKeyframe: true,
			Codec:      unit.CodecH264,
			Payload:    []byte{0x65},
		})
	}

	d.Close()
	require.Equal(t, 5, w.videoCount())
}
