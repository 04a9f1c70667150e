package webrtc

import (
	"sync"
	"time"

	pwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/onideus/gaming-capture/internal/asyncwriter"
	"github.com/onideus/gaming-capture/internal/logger"
	"github.com/onideus/gaming-capture/internal/protocols/webrtc"
)

// number of local candidates kept for the polling endpoint.
const localCandidateRingSize = 64

type sessionState int

const (
	stateNew sessionState = iota
	stateOffered
	stateAnswered
	stateConnected
	stateFailed
	stateClosed
)

func (s sessionState) String() string {
	switch s {
	case stateNew:
		return "new"
	case stateOffered:
		return "offered"
	case stateAnswered:
		return "answered"
	case stateConnected:
		return "connected"
	case stateFailed:
		return "failed"
	default:
		return "closed"
	}
}

type session struct {
	id     string
	parent *Server

	pc         *webrtc.PeerConnection
	videoTrack *webrtc.OutgoingTrack
	audioTrack *webrtc.OutgoingTrack
	writer     *asyncwriter.Writer
	createdAt  time.Time

	mutex             sync.Mutex
	state             sessionState
	started           bool // a keyframe has been sent
	pendingCandidates []pwebrtc.ICECandidateInit
	appliedCandidates map[string]struct{}
	localCandidates   []pwebrtc.ICECandidateInit

	chClosed chan struct{}
}

func (s *session) initialize() {
	s.createdAt = time.Now()
	s.state = stateNew
	s.appliedCandidates = make(map[string]struct{})
	s.chClosed = make(chan struct{})
	s.writer = asyncwriter.New(s.parent.WriteQueueSize, s)
}

// Log implements logger.Writer.
func (s *session) Log(level logger.Level, format string, args ...interface{}) {
	s.parent.Log(level, "[peer %s] "+format, append([]interface{}{s.id}, args...)...)
}

// start performs the offer/answer exchange.
// On success the session is in the answered state and its handshake is
// being awaited on a separate routine.
func (s *session) start(offer *pwebrtc.SessionDescription) (*pwebrtc.SessionDescription, error) {
	s.mutex.Lock()
	s.state = stateOffered
	s.mutex.Unlock()

	err := s.pc.Start()
	if err != nil {
		return nil, err
	}

	answer, err := s.pc.CreateFullAnswer(offer)
	if err != nil {
		s.pc.Close()
		return nil, err
	}

	s.mutex.Lock()
	s.state = stateAnswered

	for _, c := range s.pc.GatheredCandidates() {
		s.pushLocalCandidate(c)
	}

	pending := s.pendingCandidates
	s.pendingCandidates = nil
	s.mutex.Unlock()

	// apply candidates that arrived before the answer, in receipt order
	for _, c := range pending {
		s.pc.AddRemoteCandidate(&c) //nolint:errcheck
	}

	s.parent.wg.Add(1)
	go s.run()

	return answer, nil
}

func (s *session) run() {
	defer s.parent.wg.Done()

	err := s.pc.WaitUntilConnected()
	if err != nil {
		s.Log(logger.Info, "session failed: %v", err)
		s.fail()
		return
	}

	s.mutex.Lock()
	if s.state == stateClosed {
		s.mutex.Unlock()
		return
	}
	s.state = stateConnected
	s.mutex.Unlock()

	s.writer.Start()
	s.parent.notifyPeerConnected(s.id)

	select {
	case <-s.pc.Failed():
		s.Log(logger.Info, "session failed: transport lost")
		s.writer.Stop()
		s.fail()

	case <-s.chClosed:
	}
}

// fail marks the session as failed and removes it from the server.
func (s *session) fail() {
	s.mutex.Lock()
	if s.state == stateClosed {
		s.mutex.Unlock()
		return
	}
	wasConnected := s.state == stateConnected
	s.state = stateFailed
	s.mutex.Unlock()

	s.parent.removeSession(s)
	s.pc.Close()

	if wasConnected {
		s.parent.notifyPeerDisconnected(s.id)
	}
}

// close transitions the session to the terminal closed state.
func (s *session) close() {
	s.mutex.Lock()
	if s.state == stateClosed || s.state == stateFailed {
		s.mutex.Unlock()
		return
	}
	wasConnected := s.state == stateConnected
	s.state = stateClosed
	s.mutex.Unlock()

	close(s.chClosed)

	if wasConnected {
		s.writer.Stop()
	}
	s.pc.Close()

	if wasConnected {
		s.parent.notifyPeerDisconnected(s.id)
	}
}

// addRemoteCandidate applies a trickled remote candidate.
// Candidates received before the answer are queued; a candidate that
// was already applied is silently ignored.
func (s *session) addRemoteCandidate(c pwebrtc.ICECandidateInit) error {
	s.mutex.Lock()

	switch s.state {
	case stateClosed, stateFailed:
		s.mutex.Unlock()
		return ErrPeerNotFound
	}

	if _, ok := s.appliedCandidates[c.Candidate]; ok {
		s.mutex.Unlock()
		return nil
	}
	s.appliedCandidates[c.Candidate] = struct{}{}

	if s.state < stateAnswered {
		s.pendingCandidates = append(s.pendingCandidates, c)
		s.mutex.Unlock()
		return nil
	}
	s.mutex.Unlock()

	return s.pc.AddRemoteCandidate(&c)
}

func (s *session) pushLocalCandidate(c pwebrtc.ICECandidateInit) {
	if len(s.localCandidates) >= localCandidateRingSize {
		s.localCandidates = s.localCandidates[1:]
	}
	s.localCandidates = append(s.localCandidates, c)
}

// drainLocalCandidates returns the local candidates gathered since the
// previous call.
func (s *session) drainLocalCandidates() []pwebrtc.ICECandidateInit {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	out := s.localCandidates
	s.localCandidates = nil
	return out
}

func (s *session) writeVideo(sample *media.Sample, isKeyframe bool) {
	s.mutex.Lock()
	if s.state != stateConnected {
		s.mutex.Unlock()
		return
	}
	if !s.started {
		// wait for a keyframe, so the decoder has its parameter sets
		if !isKeyframe {
			s.mutex.Unlock()
			return
		}
		s.started = true
	}
	s.mutex.Unlock()

	s.writer.Push(func() error {
		return s.videoTrack.WriteSample(sample)
	})
}

func (s *session) writeAudio(sample *media.Sample) {
	s.mutex.Lock()
	if s.state != stateConnected || !s.started {
		s.mutex.Unlock()
		return
	}
	s.mutex.Unlock()

	s.writer.Push(func() error {
		return s.audioTrack.WriteSample(sample)
	})
}
