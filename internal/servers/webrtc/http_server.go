package webrtc

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	pwebrtc "github.com/pion/webrtc/v4"

	"github.com/onideus/gaming-capture/internal/conf"
	"github.com/onideus/gaming-capture/internal/logger"
	"github.com/onideus/gaming-capture/internal/protocols/httpp"
)

const peerIDHeader = "X-Peer-ID"

type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(ctx *gin.Context, statusCode int, code string, message string) {
	ctx.JSON(statusCode, &apiError{
		Error:   code,
		Message: message,
	})
}

type offerRequest struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type answerResponse struct {
	SDP  string `json:"sdp"`
	Type string `json:"type"`
}

type candidateRequest struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
}

type httpServer struct {
	address      string
	allowOrigins []string
	readTimeout  conf.Duration
	parent       *Server

	inner *httpp.Server
}

func (s *httpServer) initialize() error {
	router := gin.New()

	router.POST("/webrtc/offer", s.onOffer)
	router.POST("/webrtc/candidate", s.onCandidatePost)
	router.GET("/webrtc/candidate", s.onCandidateGet)
	router.GET("/webrtc/health", s.onHealth)

	s.inner = &httpp.Server{
		Network:      "tcp",
		Address:      s.address,
		ReadTimeout:  time.Duration(s.readTimeout),
		AllowOrigins: s.allowOrigins,
		Handler:      router,
		Parent:       s,
	}
	return s.inner.Initialize()
}

// Log implements logger.Writer.
func (s *httpServer) Log(level logger.Level, format string, args ...interface{}) {
	s.parent.Log(level, format, args...)
}

func (s *httpServer) close() {
	s.inner.Close()
}

func (s *httpServer) onOffer(ctx *gin.Context) {
	var req offerRequest
	err := ctx.ShouldBindJSON(&req)
	if err != nil || req.SDP == "" || req.Type != "offer" {
		writeError(ctx, http.StatusBadRequest, "invalid_offer", "body must contain a SDP offer")
		return
	}

	offer := &pwebrtc.SessionDescription{
		Type: pwebrtc.SDPTypeOffer,
		SDP:  req.SDP,
	}

	peerID, answer, err := s.parent.CreatePeer(offer)
	if err != nil {
		if errors.Is(err, ErrSessionLimitReached) {
			writeError(ctx, http.StatusServiceUnavailable, "exhausted", "session limit reached")
			return
		}
		writeError(ctx, http.StatusBadRequest, "invalid_offer", err.Error())
		return
	}

	ctx.Header(peerIDHeader, peerID)
	ctx.JSON(http.StatusOK, &answerResponse{
		SDP:  answer.SDP,
		Type: "answer",
	})
}

func (s *httpServer) onCandidatePost(ctx *gin.Context) {
	peerID := ctx.Request.Header.Get(peerIDHeader)
	if peerID == "" {
		writeError(ctx, http.StatusBadRequest, "missing_peer_id", "the "+peerIDHeader+" header is required")
		return
	}

	var req candidateRequest
	err := ctx.ShouldBindJSON(&req)
	if err != nil || req.Candidate == "" {
		writeError(ctx, http.StatusBadRequest, "invalid_candidate", "body must contain a candidate")
		return
	}

	err = s.parent.AddRemoteCandidate(peerID, pwebrtc.ICECandidateInit{
		Candidate:     req.Candidate,
		SDPMid:        req.SDPMid,
		SDPMLineIndex: req.SDPMLineIndex,
	})
	if err != nil {
		if errors.Is(err, ErrPeerNotFound) {
			writeError(ctx, http.StatusNotFound, "unknown_peer", "no session with the given peer ID")
			return
		}
		writeError(ctx, http.StatusBadRequest, "invalid_candidate", err.Error())
		return
	}

	ctx.JSON(http.StatusOK, gin.H{
		"success": true,
		"peer_id": peerID,
	})
}

func (s *httpServer) onCandidateGet(ctx *gin.Context) {
	peerID := ctx.Request.Header.Get(peerIDHeader)
	if peerID == "" {
		writeError(ctx, http.StatusBadRequest, "missing_peer_id", "the "+peerIDHeader+" header is required")
		return
	}

	candidates, err := s.parent.DrainLocalCandidates(peerID)
	if err != nil {
		writeError(ctx, http.StatusNotFound, "unknown_peer", "no session with the given peer ID")
		return
	}

	out := make([]candidateRequest, len(candidates))
	for i, c := range candidates {
		out[i] = candidateRequest{
			Candidate:     c.Candidate,
			SDPMid:        c.SDPMid,
			SDPMLineIndex: c.SDPMLineIndex,
		}
	}

	ctx.JSON(http.StatusOK, gin.H{
		"peer_id":    peerID,
		"candidates": out,
	})
}

func (s *httpServer) onHealth(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"peers":  s.parent.PeerCount(),
		"uptime": s.parent.Uptime().Truncate(time.Second).String(),
	})
}
