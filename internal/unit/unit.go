// Package unit contains the media units exchanged between gateway components.
package unit

import "time"

// Video is an encoded video frame received from the capture producer.
// Payload contains Annex-B NAL units; on keyframes it includes the
// parameter sets (SPS/PPS, plus VPS for HEVC) before the slice NALs.
type Video struct {
	PTS        int64 // presentation timestamp in nanoseconds
	DTS        int64 // decode timestamp in nanoseconds
	IsKeyframe bool
	Width      int
	Height     int
	Codec      Codec
	Payload    []byte
	ReceivedAt time.Time
}

// Audio is a PCM audio frame received from the capture producer.
// Payload contains interleaved 16-bit signed samples.
type Audio struct {
	PTS         int64 // presentation timestamp in nanoseconds
	SampleRate  int
	Channels    int
	SampleCount int
	Payload     []byte
	ReceivedAt  time.Time
}

// StreamMetadata is the stream configuration announced by the producer.
// It is sent at most once, before the first video frame of a session.
type StreamMetadata struct {
	VideoWidth      int   `json:"video_width"`
	VideoHeight     int   `json:"video_height"`
	VideoCodec      Codec `json:"video_codec"`
	VideoFPS        int   `json:"video_fps"`
	AudioSampleRate int   `json:"audio_sample_rate"`
	AudioChannels   int   `json:"audio_channels"`
}
