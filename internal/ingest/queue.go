// Package ingest contains the queue that decouples producer reads from distribution.
package ingest

import (
	"github.com/onideus/gaming-capture/internal/counterdumper"
	"github.com/onideus/gaming-capture/internal/logger"
	"github.com/onideus/gaming-capture/internal/unit"
)

const metadataQueueSize = 4

// Queue is a set of bounded frame queues.
// When a queue is full, the incoming frame is discarded and counted,
// so a slow consumer can never block the producer reader.
type Queue struct {
	VideoQueueSize int
	AudioQueueSize int
	Parent         logger.Writer

	chVideo    chan *unit.Video
	chAudio    chan *unit.Audio
	chMetadata chan *unit.StreamMetadata

	videoDrops *counterdumper.CounterDumper
	audioDrops *counterdumper.CounterDumper
}

// Initialize initializes a Queue.
func (q *Queue) Initialize() {
	q.chVideo = make(chan *unit.Video, q.VideoQueueSize)
	q.chAudio = make(chan *unit.Audio, q.AudioQueueSize)
	q.chMetadata = make(chan *unit.StreamMetadata, metadataQueueSize)

	q.videoDrops = &counterdumper.CounterDumper{
		OnReport: func(v uint64) {
			q.Log(logger.Warn, "%d video frame(s) dropped, queue is full", v)
		},
	}
	q.videoDrops.Start()

	q.audioDrops = &counterdumper.CounterDumper{
		OnReport: func(v uint64) {
			q.Log(logger.Warn, "%d audio frame(s) dropped, queue is full", v)
		},
	}
	q.audioDrops.Start()
}

// Close closes a Queue.
func (q *Queue) Close() {
	q.videoDrops.Stop()
	q.audioDrops.Stop()
}

// Log implements logger.Writer.
func (q *Queue) Log(level logger.Level, format string, args ...interface{}) {
	q.Parent.Log(level, "[ingest] "+format, args...)
}

// PushVideo enqueues a video frame.
// It returns false when the frame is discarded.
func (q *Queue) PushVideo(u *unit.Video) bool {
	select {
	case q.chVideo <- u:
		return true
	default:
		q.videoDrops.Increase()
		return false
	}
}

// PushAudio enqueues an audio frame.
// It returns false when the frame is discarded.
func (q *Queue) PushAudio(u *unit.Audio) bool {
	select {
	case q.chAudio <- u:
		return true
	default:
		q.audioDrops.Increase()
		return false
	}
}

// PushMetadata enqueues stream metadata.
// It returns false when the metadata is discarded.
func (q *Queue) PushMetadata(m *unit.StreamMetadata) bool {
	select {
	case q.chMetadata <- m:
		return true
	default:
		return false
	}
}

// Video returns the channel that carries queued video frames.
func (q *Queue) Video() <-chan *unit.Video {
	return q.chVideo
}

// Audio returns the channel that carries queued audio frames.
func (q *Queue) Audio() <-chan *unit.Audio {
	return q.chAudio
}

// Metadata returns the channel that carries queued stream metadata.
func (q *Queue) Metadata() <-chan *unit.StreamMetadata {
	return q.chMetadata
}

// VideoDropped returns the number of video frames dropped since initialization.
func (q *Queue) VideoDropped() uint64 {
	return q.videoDrops.Total()
}

// AudioDropped returns the number of audio frames dropped since initialization.
func (q *Queue) AudioDropped() uint64 {
	return q.audioDrops.Total()
}
