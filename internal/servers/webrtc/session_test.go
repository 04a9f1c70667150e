package webrtc

import (
	"testing"

	pwebrtc "github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/require"

	"github.com/onideus/gaming-capture/internal/test"
)

func newTestSession(t *testing.T) *session {
	s := &Server{
		WriteQueueSize: 16,
		Parent:         &test.NilLogger{},
	}
	s.sessions = make(map[string]*session)

	sx := &session{
		id:     "1-test",
		parent: s,
	}
	sx.initialize()
	return sx
}

func TestSessionQueuesCandidatesBeforeAnswer(t *testing.T) {
	sx := newTestSession(t)

	for _, c := range []string{"candidate:a", "candidate:b", "candidate:c"} {
		err := sx.addRemoteCandidate(pwebrtc.ICECandidateInit{Candidate: c})
		require.NoError(t, err)
	}

	require.Len(t, sx.pendingCandidates, 3)
	require.Equal(t, "candidate:a", sx.pendingCandidates[0].Candidate)
	require.Equal(t, "candidate:b", sx.pendingCandidates[1].Candidate)
	require.Equal(t, "candidate:c", sx.pendingCandidates[2].Candidate)
}

func TestSessionDeduplicatesCandidates(t *testing.T) {
	sx := newTestSession(t)

	err := sx.addRemoteCandidate(pwebrtc.ICECandidateInit{Candidate: "candidate:a"})
	require.NoError(t, err)

	// resubmitting the same candidate is a no-op
	err = sx.addRemoteCandidate(pwebrtc.ICECandidateInit{Candidate: "candidate:a"})
	require.NoError(t, err)

	require.Len(t, sx.pendingCandidates, 1)
}

func TestSessionRejectsCandidatesWhenClosed(t *testing.T) {
	sx := newTestSession(t)
	sx.state = stateClosed

	err := sx.addRemoteCandidate(pwebrtc.ICECandidateInit{Candidate: "candidate:a"})
	require.ErrorIs(t, err, ErrPeerNotFound)
}

func TestSessionLocalCandidateRing(t *testing.T) {
	sx := newTestSession(t)

	for i := 0; i < localCandidateRingSize+10; i++ {
		sx.pushLocalCandidate(pwebrtc.ICECandidateInit{
			Candidate: string(rune('a' + i%26)),
		})
	}

	out := sx.drainLocalCandidates()
	require.Len(t, out, localCandidateRingSize)

	// a drain empties the ring
	require.Empty(t, sx.drainLocalCandidates())
}
