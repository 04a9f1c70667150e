// Package distributor contains the loop that feeds queued frames to peers.
package distributor

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/onideus/gaming-capture/internal/ingest"
	"github.com/onideus/gaming-capture/internal/logger"
	"github.com/onideus/gaming-capture/internal/unit"
)

const (
	defaultVideoFrameDuration = time.Second / 30
	defaultAudioDuration      = 20 * time.Millisecond
	summaryInterval           = 5 * time.Second
	drainTimeout              = 500 * time.Millisecond
)

// SampleWriter is implemented by the WebRTC server.
type SampleWriter interface {
	WriteVideoSample(sample *media.Sample, isKeyframe bool)
	WriteAudioSample(sample *media.Sample)
	PeerCount() int
}

// AudioEncoder converts a PCM frame into the payload written to the audio track.
type AudioEncoder interface {
	Encode(u *unit.Audio) ([]byte, error)
}

type passthroughEncoder struct{}

func (passthroughEncoder) Encode(u *unit.Audio) ([]byte, error) {
	return u.Payload, nil
}

// Distributor reads frames from the ingest queue, converts them into
// media samples and fans them out through the sample writer.
type Distributor struct {
	Queue   *ingest.Queue
	Writer  SampleWriter
	Encoder AudioEncoder // optional, defaults to passthrough
	Parent  logger.Writer

	ctx       context.Context
	ctxCancel func()
	done      chan struct{}

	videoFrameDuration time.Duration

	videoCount uint64
	audioCount uint64
}

// Initialize initializes a Distributor.
func (d *Distributor) Initialize() {
	if d.Encoder == nil {
		d.Encoder = passthroughEncoder{}
	}
	d.videoFrameDuration = defaultVideoFrameDuration

	d.ctx, d.ctxCancel = context.WithCancel(context.Background())
	d.done = make(chan struct{})

	go d.run()
}

// Close closes the Distributor.
// Frames still queued are delivered for a bounded amount of time.
func (d *Distributor) Close() {
	d.ctxCancel()
	<-d.done
}

// Log implements logger.Writer.
func (d *Distributor) Log(level logger.Level, format string, args ...interface{}) {
	d.Parent.Log(level, "[distributor] "+format, args...)
}

func (d *Distributor) run() {
	defer close(d.done)

	t := time.NewTicker(summaryInterval)
	defer t.Stop()

	for {
		select {
		case m := <-d.Queue.Metadata():
			d.handleMetadata(m)

		case u := <-d.Queue.Video():
			d.handleVideo(u)

		case u := <-d.Queue.Audio():
			d.handleAudio(u)

		case <-t.C:
			d.logSummary()

		case <-d.ctx.Done():
			d.drain()
			return
		}
	}
}

// drain delivers the frames that are still queued, without waiting for
// new ones.
func (d *Distributor) drain() {
	deadline := time.After(drainTimeout)

	for {
		select {
		case u := <-d.Queue.Video():
			d.handleVideo(u)

		case u := <-d.Queue.Audio():
			d.handleAudio(u)

		case <-deadline:
			return

		default:
			return
		}
	}
}

func (d *Distributor) handleMetadata(m *unit.StreamMetadata) {
	if m.VideoFPS > 0 {
		d.videoFrameDuration = time.Second / time.Duration(m.VideoFPS)
	}
	d.Log(logger.Debug, "frame duration set to %v", d.videoFrameDuration)
}

func (d *Distributor) handleVideo(u *unit.Video) {
	d.videoCount++

	d.Writer.WriteVideoSample(&media.Sample{
		Data:     u.Payload,
		Duration: d.videoFrameDuration,
	}, u.IsKeyframe)
}

func (d *Distributor) handleAudio(u *unit.Audio) {
	payload, err := d.Encoder.Encode(u)
	if err != nil {
		d.Log(logger.Warn, "discarding audio frame: %v", err)
		return
	}

	duration := defaultAudioDuration
	if u.SampleRate > 0 && u.SampleCount > 0 {
		duration = time.Duration(u.SampleCount) * time.Second / time.Duration(u.SampleRate)
	}

	d.audioCount++

	d.Writer.WriteAudioSample(&media.Sample{
		Data:     payload,
		Duration: duration,
	})
}

func (d *Distributor) logSummary() {
	v := d.videoCount
	a := d.audioCount
	d.videoCount = 0
	d.audioCount = 0

	if v == 0 && a == 0 {
		return
	}

	secs := summaryInterval.Seconds()
	d.Log(logger.Info, "distributing %.1f video fps, %.1f audio fps to %d peer(s)",
		float64(v)/secs, float64(a)/secs, d.Writer.PeerCount())
}
