package ipc

import (
	"encoding/binary"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onideus/gaming-capture/internal/ingest"
	"github.com/onideus/gaming-capture/internal/protocols/streamipc"
	"github.com/onideus/gaming-capture/internal/test"
	"github.com/onideus/gaming-capture/internal/unit"
)

func setupServer(t *testing.T) (*Server, *ingest.Queue) {
	q := &ingest.Queue{
		VideoQueueSize: 64,
		AudioQueueSize: 64,
		Parent:         &test.NilLogger{},
	}
	q.Initialize()
	t.Cleanup(q.Close)

	s := &Server{
		SocketPath: filepath.Join(t.TempDir(), "capture.sock"),
		Queue:      q,
		Parent:     &test.NilLogger{},
	}
	err := s.Initialize()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	return s, q
}

func writeVideo(t *testing.T, conn net.Conn, pts int64) {
	msg, err := streamipc.VideoMessage(&unit.Video{
		PTS:     pts,
		DTS:     pts,
		Codec:   unit.CodecH264,
		Payload: []byte{0x00, 0x00, 0x00, 0x01, 0x65},
	})
	require.NoError(t, err)

	enc, err := msg.Marshal()
	require.NoError(t, err)

	_, err = conn.Write(enc)
	require.NoError(t, err)
}

func readVideo(t *testing.T, q *ingest.Queue) *unit.Video {
	select {
	case u := <-q.Video():
		return u
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for video frame")
		return nil
	}
}

func TestServerDeliver(t *testing.T) {
	s, q := setupServer(t)

	conn, err := net.Dial("unix", s.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	meta, err := streamipc.MetadataMessage(&unit.StreamMetadata{
		VideoWidth:      1920,
		VideoHeight:     1080,
		VideoCodec:      unit.CodecH264,
		VideoFPS:        60,
		AudioSampleRate: 48000,
		AudioChannels:   2,
	})
	require.NoError(t, err)
	enc, err := meta.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(enc)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		writeVideo(t, conn, int64(i))
	}

	audio, err := streamipc.AudioMessage(&unit.Audio{
		PTS:         1,
		SampleRate:  48000,
		Channels:    2,
		SampleCount: 1024,
		Payload:     make([]byte, 4096),
	})
	require.NoError(t, err)
	enc, err = audio.Marshal()
	require.NoError(t, err)
	_, err = conn.Write(enc)
	require.NoError(t, err)

	select {
	case m := <-q.Metadata():
		require.Equal(t, 1920, m.VideoWidth)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for metadata")
	}

	for i := 0; i < 3; i++ {
		u := readVideo(t, q)
		require.Equal(t, int64(i), u.PTS)
	}

	select {
	case u := <-q.Audio():
		require.Equal(t, 48000, u.SampleRate)
		require.Len(t, u.Payload, 4096)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audio frame")
	}
}

func TestServerReconnect(t *testing.T) {
	s, q := setupServer(t)

	conn, err := net.Dial("unix", s.SocketPath)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		writeVideo(t, conn, int64(i))
	}
	conn.Close()

	for i := 0; i < 10; i++ {
		readVideo(t, q)
	}

	conn, err = net.Dial("unix", s.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	for i := 10; i < 20; i++ {
		writeVideo(t, conn, int64(i))
	}

	for i := 10; i < 20; i++ {
		u := readVideo(t, q)
		require.Equal(t, int64(i), u.PTS)
	}
}

func TestServerOversizedMessage(t *testing.T) {
	s, q := setupServer(t)

	conn, err := net.Dial("unix", s.SocketPath)
	require.NoError(t, err)
	defer conn.Close()

	buf := make([]byte, 5)
	buf[0] = byte(streamipc.MessageTypeVideo)
	binary.BigEndian.PutUint32(buf[1:], uint32(streamipc.MaxMessageSize+1))
	_, err = conn.Write(buf)
	require.NoError(t, err)

	// the server closes the connection
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn.Read(make([]byte, 1))
	require.Error(t, err)

	// the listener keeps accepting
	conn2, err := net.Dial("unix", s.SocketPath)
	require.NoError(t, err)
	defer conn2.Close()

	writeVideo(t, conn2, 42)
	u := readVideo(t, q)
	require.Equal(t, int64(42), u.PTS)
}

func TestServerReplacesProducer(t *testing.T) {
	s, q := setupServer(t)

	conn1, err := net.Dial("unix", s.SocketPath)
	require.NoError(t, err)
	defer conn1.Close()

	writeVideo(t, conn1, 1)
	readVideo(t, q)

	conn2, err := net.Dial("unix", s.SocketPath)
	require.NoError(t, err)
	defer conn2.Close()

	// the first connection is closed by the server
	conn1.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err = conn1.Read(make([]byte, 1))
	require.Error(t, err)

	writeVideo(t, conn2, 2)
	u := readVideo(t, q)
	require.Equal(t, int64(2), u.PTS)
}
