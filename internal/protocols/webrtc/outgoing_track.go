package webrtc

import (
	"fmt"
	"strings"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/onideus/gaming-capture/internal/unit"
)

// VideoCaps returns the RTP capabilities of a video codec.
func VideoCaps(codec unit.Codec) (webrtc.RTPCodecCapability, error) {
	switch codec {
	case unit.CodecH264:
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}, nil

	case unit.CodecHEVC:
		return webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeH265,
			ClockRate: 90000,
		}, nil

	default:
		return webrtc.RTPCodecCapability{}, fmt.Errorf("unsupported codec: '%s'", codec)
	}
}

// AudioCaps returns the RTP capabilities of the audio track.
func AudioCaps() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    webrtc.MimeTypeOpus,
		ClockRate:   48000,
		Channels:    2,
		SDPFmtpLine: "minptime=10;useinbandfec=1",
	}
}

// OutgoingTrack is a WebRTC outgoing track.
type OutgoingTrack struct {
	Caps webrtc.RTPCodecCapability

	track *webrtc.TrackLocalStaticSample
}

func (t *OutgoingTrack) isVideo() bool {
	return strings.HasPrefix(t.Caps.MimeType, "video/")
}

func (t *OutgoingTrack) setup(p *PeerConnection) error {
	var trackID string
	if t.isVideo() {
		trackID = "video"
	} else {
		trackID = "audio"
	}

	var err error
	t.track, err = webrtc.NewTrackLocalStaticSample(
		t.Caps,
		trackID,
		webrtcStreamID,
	)
	if err != nil {
		return err
	}

	sender, err := p.wr.AddTrack(t.track)
	if err != nil {
		return err
	}

	// read incoming RTCP packets to make interceptors work
	go func() {
		buf := make([]byte, 1500)
		for {
			_, _, err2 := sender.Read(buf)
			if err2 != nil {
				return
			}
		}
	}()

	return nil
}

// WriteSample writes a media sample.
func (t *OutgoingTrack) WriteSample(sample *media.Sample) error {
	return t.track.WriteSample(*sample)
}
