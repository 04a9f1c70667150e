// Package webrtc contains WebRTC utilities.
package webrtc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/onideus/gaming-capture/internal/conf"
	"github.com/onideus/gaming-capture/internal/logger"
)

const (
	webrtcStreamID = "gaming-capture"
)

func registerInterceptors(
	mediaEngine *webrtc.MediaEngine,
	interceptorRegistry *interceptor.Registry,
) error {
	err := webrtc.ConfigureNack(mediaEngine, interceptorRegistry)
	if err != nil {
		return err
	}

	return webrtc.ConfigureTWCCSender(mediaEngine, interceptorRegistry)
}

func candidateLabel(c *webrtc.ICECandidate) string {
	return c.Typ.String() + "/" + c.Protocol.String() + "/" +
		c.Address + "/" + strconv.FormatInt(int64(c.Port), 10)
}

// PeerConnection is a wrapper around webrtc.PeerConnection that
// publishes a fixed set of outgoing tracks to a remote viewer.
type PeerConnection struct {
	ICEUDPMux        ice.UDPMux
	ICEServers       []webrtc.ICEServer
	HandshakeTimeout conf.Duration
	MaxBitrateKbps   int
	OutgoingTracks   []*OutgoingTrack
	Log              logger.Writer

	wr        *webrtc.PeerConnection
	ctx       context.Context
	ctxCancel context.CancelFunc

	gatheredCandidates []webrtc.ICECandidateInit

	newLocalCandidate chan *webrtc.ICECandidateInit
	connected         chan struct{}
	failed            chan struct{}
	closed            chan struct{}
	gatheringDone     chan struct{}
	done              chan struct{}
}

// Start starts the peer connection.
func (co *PeerConnection) Start() error {
	settingsEngine := webrtc.SettingEngine{}

	settingsEngine.SetIncludeLoopbackCandidate(true)

	settingsEngine.SetNetworkTypes([]webrtc.NetworkType{
		webrtc.NetworkTypeUDP4,
		webrtc.NetworkTypeUDP6,
	})

	if co.ICEUDPMux != nil {
		settingsEngine.SetICEUDPMux(co.ICEUDPMux)
	}

	mediaEngine := &webrtc.MediaEngine{}

	for i, tr := range co.OutgoingTracks {
		var codecType webrtc.RTPCodecType
		if tr.isVideo() {
			codecType = webrtc.RTPCodecTypeVideo
		} else {
			codecType = webrtc.RTPCodecTypeAudio
		}

		err := mediaEngine.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: tr.Caps,
			PayloadType:        webrtc.PayloadType(96 + i),
		}, codecType)
		if err != nil {
			return err
		}
	}

	interceptorRegistry := &interceptor.Registry{}

	err := registerInterceptors(mediaEngine, interceptorRegistry)
	if err != nil {
		return err
	}

	api := webrtc.NewAPI(
		webrtc.WithSettingEngine(settingsEngine),
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry))

	co.wr, err = api.NewPeerConnection(webrtc.Configuration{
		ICEServers: co.ICEServers,
	})
	if err != nil {
		return err
	}

	co.ctx, co.ctxCancel = context.WithCancel(context.Background())

	co.newLocalCandidate = make(chan *webrtc.ICECandidateInit)
	co.connected = make(chan struct{})
	co.failed = make(chan struct{})
	co.closed = make(chan struct{})
	co.gatheringDone = make(chan struct{})
	co.done = make(chan struct{})

	for _, tr := range co.OutgoingTracks {
		err = tr.setup(co)
		if err != nil {
			co.wr.GracefulClose() //nolint:errcheck
			return err
		}
	}

	var stateChangeMutex sync.Mutex

	co.wr.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		stateChangeMutex.Lock()
		defer stateChangeMutex.Unlock()

		select {
		case <-co.closed:
			return
		default:
		}

		co.Log.Log(logger.Debug, "peer connection state: "+state.String())

		switch state {
		case webrtc.PeerConnectionStateConnected:
			// "connected" can arrive twice, since state can switch
			// from "disconnected" back to "connected".
			select {
			case <-co.connected:
				return
			default:
			}

			co.Log.Log(logger.Info, "peer connection established, local candidate: %v, remote candidate: %v",
				co.LocalCandidate(), co.RemoteCandidate())

			close(co.connected)

		case webrtc.PeerConnectionStateFailed:
			close(co.failed)

		case webrtc.PeerConnectionStateClosed:
			// "closed" can arrive before "failed" and without
			// the Close() method being called at all.
			// It happens when the other peer sends a termination
			// message like a DTLS CloseNotify.
			select {
			case <-co.failed:
			default:
				close(co.failed)
			}

			close(co.closed)
		}
	})

	co.wr.OnICECandidate(func(i *webrtc.ICECandidate) {
		if i != nil {
			v := i.ToJSON()
			select {
			case co.newLocalCandidate <- &v:
			case <-co.connected:
			case <-co.ctx.Done():
			}
		} else {
			close(co.gatheringDone)
		}
	})

	go co.run()

	return nil
}

// Close closes the connection.
func (co *PeerConnection) Close() {
	co.ctxCancel()
	<-co.done
}

func (co *PeerConnection) run() {
	defer close(co.done)

	<-co.ctx.Done()

	co.wr.GracefulClose() //nolint:errcheck

	// even if GracefulClose() should wait for any goroutine to return,
	// we have to wait for OnConnectionStateChange to return anyway,
	// since it is executed in an uncontrolled goroutine.
	<-co.closed
}

// insert a bandwidth limit on the video media, so that
// congestion-aware clients do not request more than the encoder emits.
func (co *PeerConnection) filterLocalDescription(desc *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if co.MaxBitrateKbps == 0 {
		return desc, nil
	}

	var psdp sdp.SessionDescription
	err := psdp.Unmarshal([]byte(desc.SDP))
	if err != nil {
		return nil, err
	}

	for _, media := range psdp.MediaDescriptions {
		if media.MediaName.Media == "video" {
			media.Bandwidth = []sdp.Bandwidth{{
				Type:      "TIAS",
				Bandwidth: uint64(co.MaxBitrateKbps) * 1000,
			}}
		}
	}

	out, err := psdp.Marshal()
	if err != nil {
		return nil, err
	}
	desc.SDP = string(out)

	return desc, nil
}

// CreateFullAnswer creates an answer that contains all the local candidates.
func (co *PeerConnection) CreateFullAnswer(offer *webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	err := co.wr.SetRemoteDescription(*offer)
	if err != nil {
		return nil, err
	}

	tmp, err := co.wr.CreateAnswer(nil)
	if err != nil {
		if errors.Is(err, webrtc.ErrSenderWithNoCodecs) {
			return nil, fmt.Errorf("codecs not supported by client")
		}
		return nil, err
	}
	answer := &tmp

	err = co.wr.SetLocalDescription(*answer)
	if err != nil {
		return nil, err
	}

	err = co.waitGatheringDone()
	if err != nil {
		return nil, err
	}

	answer = co.wr.LocalDescription()

	return co.filterLocalDescription(answer)
}

func (co *PeerConnection) waitGatheringDone() error {
	for {
		select {
		case c := <-co.newLocalCandidate:
			co.gatheredCandidates = append(co.gatheredCandidates, *c)

		case <-co.gatheringDone:
			return nil

		case <-co.ctx.Done():
			return fmt.Errorf("terminated")
		}
	}
}

// GatheredCandidates returns the local candidates collected while
// building the answer.
func (co *PeerConnection) GatheredCandidates() []webrtc.ICECandidateInit {
	return co.gatheredCandidates
}

// AddRemoteCandidate adds a remote candidate.
func (co *PeerConnection) AddRemoteCandidate(candidate *webrtc.ICECandidateInit) error {
	return co.wr.AddICECandidate(*candidate)
}

// WaitUntilConnected waits until the connection is established.
func (co *PeerConnection) WaitUntilConnected() error {
	t := time.NewTimer(time.Duration(co.HandshakeTimeout))
	defer t.Stop()

	select {
	case <-t.C:
		return fmt.Errorf("deadline exceeded while waiting connection")

	case <-co.connected:
		return nil

	case <-co.failed:
		return fmt.Errorf("peer connection failed")

	case <-co.ctx.Done():
		return fmt.Errorf("terminated")
	}
}

// Connected returns when connected.
func (co *PeerConnection) Connected() <-chan struct{} {
	return co.connected
}

// Failed returns when failed.
func (co *PeerConnection) Failed() <-chan struct{} {
	return co.failed
}

// NewLocalCandidate returns when there's a new local candidate.
func (co *PeerConnection) NewLocalCandidate() <-chan *webrtc.ICECandidateInit {
	return co.newLocalCandidate
}

func (co *PeerConnection) selectedCandidatePair() *webrtc.ICECandidatePair {
	senders := co.wr.GetSenders()
	if len(senders) < 1 {
		return nil
	}

	cp, err := senders[0].Transport().ICETransport().GetSelectedCandidatePair()
	if err != nil {
		return nil
	}
	return cp
}

// LocalCandidate returns the selected local candidate.
func (co *PeerConnection) LocalCandidate() string {
	cp := co.selectedCandidatePair()
	if cp == nil {
		return ""
	}
	return candidateLabel(cp.Local)
}

// RemoteCandidate returns the selected remote candidate.
func (co *PeerConnection) RemoteCandidate() string {
	cp := co.selectedCandidatePair()
	if cp == nil {
		return ""
	}
	return candidateLabel(cp.Remote)
}
