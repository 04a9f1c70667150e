package webrtc

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	pwebrtc "github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/require"

	"github.com/onideus/gaming-capture/internal/conf"
	"github.com/onideus/gaming-capture/internal/test"
	"github.com/onideus/gaming-capture/internal/unit"
)

func initializeTestServer(t *testing.T, address string) *Server {
	s := &Server{
		Address:          address,
		AllowedOrigins:   []string{"*"},
		ReadTimeout:      conf.Duration(10 * time.Second),
		VideoCodec:       unit.CodecH264,
		MaxBitrateKbps:   5000,
		MaxSessions:      4,
		WriteQueueSize:   256,
		HandshakeTimeout: conf.Duration(10 * time.Second),
		Parent:           &test.NilLogger{},
	}
	err := s.Initialize()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func newClientOffer(t *testing.T) (*pwebrtc.PeerConnection, *pwebrtc.SessionDescription) {
	pc, err := pwebrtc.NewPeerConnection(pwebrtc.Configuration{})
	require.NoError(t, err)

	_, err = pc.AddTransceiverFromKind(pwebrtc.RTPCodecTypeVideo, pwebrtc.RTPTransceiverInit{
		Direction: pwebrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)

	_, err = pc.AddTransceiverFromKind(pwebrtc.RTPCodecTypeAudio, pwebrtc.RTPTransceiverInit{
		Direction: pwebrtc.RTPTransceiverDirectionRecvonly,
	})
	require.NoError(t, err)

	offer, err := pc.CreateOffer(nil)
	require.NoError(t, err)

	gatherDone := pwebrtc.GatheringCompletePromise(pc)
	err = pc.SetLocalDescription(offer)
	require.NoError(t, err)
	<-gatherDone

	return pc, pc.LocalDescription()
}

func postOffer(t *testing.T, baseURL string, offer *pwebrtc.SessionDescription) (string, *pwebrtc.SessionDescription, *http.Response) {
	body, err := json.Marshal(map[string]string{
		"sdp":  offer.SDP,
		"type": "offer",
	})
	require.NoError(t, err)

	res, err := http.Post(baseURL+"/webrtc/offer", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return "", nil, res
	}

	var out struct {
		SDP  string `json:"sdp"`
		Type string `json:"type"`
	}
	err = json.NewDecoder(res.Body).Decode(&out)
	require.NoError(t, err)
	require.Equal(t, "answer", out.Type)

	peerID := res.Header.Get("X-Peer-ID")
	require.NotEmpty(t, peerID)

	return peerID, &pwebrtc.SessionDescription{
		Type: pwebrtc.SDPTypeAnswer,
		SDP:  out.SDP,
	}, res
}

func TestServerHealth(t *testing.T) {
	initializeTestServer(t, "127.0.0.1:8886")

	res, err := http.Get("http://127.0.0.1:8886/webrtc/health")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out struct {
		Status string `json:"status"`
		Peers  int    `json:"peers"`
		Uptime string `json:"uptime"`
	}
	err = json.NewDecoder(res.Body).Decode(&out)
	require.NoError(t, err)
	require.Equal(t, "ok", out.Status)
	require.Equal(t, 0, out.Peers)
	require.NotEmpty(t, out.Uptime)
}

func TestServerOfferAnswer(t *testing.T) {
	s := initializeTestServer(t, "127.0.0.1:8887")

	clientPC, offer := newClientOffer(t)
	defer clientPC.Close()

	connected := make(chan struct{})
	clientPC.OnConnectionStateChange(func(state pwebrtc.PeerConnectionState) {
		if state == pwebrtc.PeerConnectionStateConnected {
			select {
			case <-connected:
			default:
				close(connected)
			}
		}
	})

	peerID, answer, _ := postOffer(t, "http://127.0.0.1:8887", offer)
	require.Equal(t, 1, s.PeerCount())

	// the answer advertises the configured bitrate limit
	require.Contains(t, answer.SDP, "b=TIAS:5000000")

	err := clientPC.SetRemoteDescription(*answer)
	require.NoError(t, err)

	select {
	case <-connected:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for connection")
	}

	// once connected, samples flow without errors
	s.WriteVideoSample(&media.Sample{
		Data:     []byte{0x00, 0x00, 0x00, 0x01, 0x65},
		Duration: 33 * time.Millisecond,
	}, true)

	err = s.ClosePeer(peerID)
	require.NoError(t, err)
	require.Equal(t, 0, s.PeerCount())
}

func TestServerInvalidOffer(t *testing.T) {
	initializeTestServer(t, "127.0.0.1:8888")

	res, err := http.Post("http://127.0.0.1:8888/webrtc/offer",
		"application/json", bytes.NewReader([]byte(`{"type":"offer"}`)))
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusBadRequest, res.StatusCode)

	var out apiError
	err = json.NewDecoder(res.Body).Decode(&out)
	require.NoError(t, err)
	require.Equal(t, "invalid_offer", out.Error)
}

func TestServerSessionLimit(t *testing.T) {
	s := initializeTestServer(t, "127.0.0.1:8889")
	s.MaxSessions = 1

	clientPC, offer := newClientOffer(t)
	defer clientPC.Close()

	_, _, res := postOffer(t, "http://127.0.0.1:8889", offer)
	require.Equal(t, http.StatusOK, res.StatusCode)

	clientPC2, offer2 := newClientOffer(t)
	defer clientPC2.Close()

	body, err := json.Marshal(map[string]string{"sdp": offer2.SDP, "type": "offer"})
	require.NoError(t, err)
	res2, err := http.Post("http://127.0.0.1:8889/webrtc/offer",
		"application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer res2.Body.Close()
	require.Equal(t, http.StatusServiceUnavailable, res2.StatusCode)

	var out apiError
	err = json.NewDecoder(res2.Body).Decode(&out)
	require.NoError(t, err)
	require.Equal(t, "exhausted", out.Error)
}

func TestServerUnknownPeerCandidate(t *testing.T) {
	initializeTestServer(t, "127.0.0.1:8890")

	body := []byte(`{"candidate":"candidate:1 1 udp 1 127.0.0.1 10000 typ host"}`)
	req, err := http.NewRequest(http.MethodPost,
		"http://127.0.0.1:8890/webrtc/candidate", bytes.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Peer-ID", "nonexistent")

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusNotFound, res.StatusCode)

	byts, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	require.Contains(t, string(byts), "unknown_peer")
}

func TestServerCandidatePoll(t *testing.T) {
	initializeTestServer(t, "127.0.0.1:8891")

	clientPC, offer := newClientOffer(t)
	defer clientPC.Close()

	peerID, _, _ := postOffer(t, "http://127.0.0.1:8891", offer)

	req, err := http.NewRequest(http.MethodGet,
		"http://127.0.0.1:8891/webrtc/candidate", nil)
	require.NoError(t, err)
	req.Header.Set("X-Peer-ID", peerID)

	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var out struct {
		PeerID     string `json:"peer_id"`
		Candidates []struct {
			Candidate string `json:"candidate"`
		} `json:"candidates"`
	}
	err = json.NewDecoder(res.Body).Decode(&out)
	require.NoError(t, err)
	require.Equal(t, peerID, out.PeerID)

	// a second poll returns nothing, since candidates were drained
	res2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res2.Body.Close()

	err = json.NewDecoder(res2.Body).Decode(&out)
	require.NoError(t, err)
	require.Empty(t, out.Candidates)
}
