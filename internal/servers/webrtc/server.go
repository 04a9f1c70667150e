// Package webrtc contains the WebRTC server.
package webrtc

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/ice/v4"
	"github.com/pion/logging"
	pwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/onideus/gaming-capture/internal/conf"
	"github.com/onideus/gaming-capture/internal/logger"
	"github.com/onideus/gaming-capture/internal/protocols/webrtc"
	"github.com/onideus/gaming-capture/internal/unit"
)

// ErrPeerNotFound is returned when a peer ID does not correspond to a session.
var ErrPeerNotFound = errors.New("peer not found")

// ErrSessionLimitReached is returned when the session cap has been reached.
var ErrSessionLimitReached = errors.New("session limit reached")

const sessionCloseTimeout = 2 * time.Second

type nilWriter struct{}

func (nilWriter) Write(p []byte) (int, error) {
	return len(p), nil
}

var webrtcNilLogger = logging.NewDefaultLeveledLoggerForScope("", 0, &nilWriter{})

// Server is a WebRTC server.
// It owns the signaling HTTP endpoints and the set of peer sessions,
// and fans incoming media samples out to every connected peer.
type Server struct {
	Address          string
	AllowedOrigins   []string
	ReadTimeout      conf.Duration
	VideoCodec       unit.Codec
	MaxBitrateKbps   int
	MaxSessions      int
	WriteQueueSize   int
	HandshakeTimeout conf.Duration
	LocalUDPAddress  string
	ICEServers       conf.ICEServers
	Parent           logger.Writer

	httpServer *httpServer
	udpMuxLn   net.PacketConn
	iceUDPMux  ice.UDPMux
	startTime  time.Time
	wg         sync.WaitGroup

	mutex    sync.RWMutex
	sessions map[string]*session
	closed   bool

	sessionCounter atomic.Uint64

	hookMutex          sync.Mutex
	onPeerConnected    func(peerID string)
	onPeerDisconnected func(peerID string)
}

// Initialize initializes the server.
func (s *Server) Initialize() error {
	s.startTime = time.Now()
	s.sessions = make(map[string]*session)

	s.httpServer = &httpServer{
		address:      s.Address,
		allowOrigins: s.AllowedOrigins,
		readTimeout:  s.ReadTimeout,
		parent:       s,
	}
	err := s.httpServer.initialize()
	if err != nil {
		return err
	}

	if s.LocalUDPAddress != "" {
		s.udpMuxLn, err = net.ListenPacket("udp", s.LocalUDPAddress)
		if err != nil {
			s.httpServer.close()
			return err
		}
		s.iceUDPMux = pwebrtc.NewICEUDPMux(webrtcNilLogger, s.udpMuxLn)
	}

	str := "listener opened on " + s.Address + " (HTTP)"
	if s.udpMuxLn != nil {
		str += ", " + s.LocalUDPAddress + " (ICE/UDP)"
	}
	s.Log(logger.Info, str)

	return nil
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[WebRTC] "+format, args...)
}

// Close closes the server.
func (s *Server) Close() {
	s.Log(logger.Info, "listener is closing")

	s.httpServer.close()

	s.mutex.Lock()
	s.closed = true
	list := make([]*session, 0, len(s.sessions))
	for _, sx := range s.sessions {
		list = append(list, sx)
	}
	s.sessions = make(map[string]*session)
	s.mutex.Unlock()

	for _, sx := range list {
		closeSessionWithTimeout(sx)
	}

	if s.udpMuxLn != nil {
		s.udpMuxLn.Close()
	}

	s.wg.Wait()
}

// a misbehaving peer must not be able to stall shutdown.
func closeSessionWithTimeout(sx *session) {
	done := make(chan struct{})
	go func() {
		sx.close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(sessionCloseTimeout):
	}
}

func (s *Server) generateICEServers() []pwebrtc.ICEServer {
	out := make([]pwebrtc.ICEServer, len(s.ICEServers))
	for i, e := range s.ICEServers {
		out[i] = pwebrtc.ICEServer{
			URLs: []string{e.URL},
		}
		if e.Username != "" {
			out[i].Username = e.Username
			out[i].Credential = e.Password
		}
	}
	return out
}

// CreatePeer creates a session that answers the given offer.
// It returns the peer ID and the answer.
func (s *Server) CreatePeer(offer *pwebrtc.SessionDescription) (string, *pwebrtc.SessionDescription, error) {
	videoCaps, err := webrtc.VideoCaps(s.VideoCodec)
	if err != nil {
		return "", nil, err
	}

	sx := &session{
		id:     fmt.Sprintf("%d-%s", s.sessionCounter.Add(1), uuid.New().String()[:8]),
		parent: s,
	}
	sx.initialize()

	sx.videoTrack = &webrtc.OutgoingTrack{Caps: videoCaps}
	sx.audioTrack = &webrtc.OutgoingTrack{Caps: webrtc.AudioCaps()}

	sx.pc = &webrtc.PeerConnection{
		ICEUDPMux:        s.iceUDPMux,
		ICEServers:       s.generateICEServers(),
		HandshakeTimeout: s.HandshakeTimeout,
		MaxBitrateKbps:   s.MaxBitrateKbps,
		OutgoingTracks:   []*webrtc.OutgoingTrack{sx.videoTrack, sx.audioTrack},
		Log:              sx,
	}

	// reserve the slot before the handshake, so that concurrent offers
	// cannot exceed the cap
	s.mutex.Lock()
	if s.closed {
		s.mutex.Unlock()
		return "", nil, fmt.Errorf("server is closed")
	}
	if len(s.sessions) >= s.MaxSessions {
		s.mutex.Unlock()
		return "", nil, ErrSessionLimitReached
	}
	s.sessions[sx.id] = sx
	s.mutex.Unlock()

	sx.Log(logger.Info, "session created")

	answer, err := sx.start(offer)
	if err != nil {
		s.removeSession(sx)
		return "", nil, err
	}

	return sx.id, answer, nil
}

// AddRemoteCandidate forwards a trickled candidate to a session.
func (s *Server) AddRemoteCandidate(peerID string, c pwebrtc.ICECandidateInit) error {
	s.mutex.RLock()
	sx, ok := s.sessions[peerID]
	s.mutex.RUnlock()

	if !ok {
		return ErrPeerNotFound
	}

	return sx.addRemoteCandidate(c)
}

// DrainLocalCandidates returns the local candidates of a session that
// have not been returned yet.
func (s *Server) DrainLocalCandidates(peerID string) ([]pwebrtc.ICECandidateInit, error) {
	s.mutex.RLock()
	sx, ok := s.sessions[peerID]
	s.mutex.RUnlock()

	if !ok {
		return nil, ErrPeerNotFound
	}

	return sx.drainLocalCandidates(), nil
}

// ClosePeer closes a session.
func (s *Server) ClosePeer(peerID string) error {
	s.mutex.RLock()
	sx, ok := s.sessions[peerID]
	s.mutex.RUnlock()

	if !ok {
		return ErrPeerNotFound
	}

	s.removeSession(sx)
	sx.close()
	return nil
}

func (s *Server) removeSession(sx *session) {
	s.mutex.Lock()
	if cur, ok := s.sessions[sx.id]; ok && cur == sx {
		delete(s.sessions, sx.id)
	}
	s.mutex.Unlock()
}

// PeerCount returns the number of sessions.
func (s *Server) PeerCount() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.sessions)
}

// Uptime returns the time elapsed since initialization.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// SetOnPeerConnected sets the callback invoked when a peer completes its handshake.
func (s *Server) SetOnPeerConnected(cb func(peerID string)) {
	s.hookMutex.Lock()
	s.onPeerConnected = cb
	s.hookMutex.Unlock()
}

// SetOnPeerDisconnected sets the callback invoked when a connected peer goes away.
func (s *Server) SetOnPeerDisconnected(cb func(peerID string)) {
	s.hookMutex.Lock()
	s.onPeerDisconnected = cb
	s.hookMutex.Unlock()
}

func (s *Server) notifyPeerConnected(peerID string) {
	s.hookMutex.Lock()
	cb := s.onPeerConnected
	s.hookMutex.Unlock()
	if cb != nil {
		cb(peerID)
	}
}

func (s *Server) notifyPeerDisconnected(peerID string) {
	s.hookMutex.Lock()
	cb := s.onPeerDisconnected
	s.hookMutex.Unlock()
	if cb != nil {
		cb(peerID)
	}
}

// WriteVideoSample sends a video sample to every connected peer.
// The sample is shared across peers and must not be modified.
func (s *Server) WriteVideoSample(sample *media.Sample, isKeyframe bool) {
	s.mutex.RLock()
	list := make([]*session, 0, len(s.sessions))
	for _, sx := range s.sessions {
		list = append(list, sx)
	}
	s.mutex.RUnlock()

	for _, sx := range list {
		sx.writeVideo(sample, isKeyframe)
	}
}

// WriteAudioSample sends an audio sample to every connected peer.
// The sample is shared across peers and must not be modified.
func (s *Server) WriteAudioSample(sample *media.Sample) {
	s.mutex.RLock()
	list := make([]*session, 0, len(s.sessions))
	for _, sx := range s.sessions {
		list = append(list, sx)
	}
	s.mutex.RUnlock()

	for _, sx := range list {
		sx.writeAudio(sample)
	}
}
