// Package ipc contains the server that receives frames from the capture producer.
package ipc

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onideus/gaming-capture/internal/ingest"
	"github.com/onideus/gaming-capture/internal/logger"
	"github.com/onideus/gaming-capture/internal/protocols/streamipc"
)

const (
	readDeadline   = 5 * time.Second
	statsInterval  = 5 * time.Second
	readBufferSize = 64 * 1024
)

// Server is the producer-facing IPC server.
// It listens on a unix stream socket and accepts a single producer at a
// time; a new connection replaces the previous one.
type Server struct {
	SocketPath string
	Queue      *ingest.Queue
	Parent     logger.Writer

	ctx       context.Context
	ctxCancel func()
	ln        net.Listener
	wg        sync.WaitGroup

	connMutex sync.Mutex
	conn      net.Conn

	videoCount atomic.Uint64
	audioCount atomic.Uint64
	byteCount  atomic.Uint64
	videoTotal atomic.Uint64
	audioTotal atomic.Uint64
}

// Initialize initializes the server.
func (s *Server) Initialize() error {
	// remove a stale socket left around by a previous run
	if _, err := os.Stat(s.SocketPath); err == nil {
		os.Remove(s.SocketPath)
	}

	var err error
	s.ln, err = net.Listen("unix", s.SocketPath)
	if err != nil {
		return err
	}

	s.ctx, s.ctxCancel = context.WithCancel(context.Background())

	s.wg.Add(2)
	go s.runListener()
	go s.runStats()

	s.Log(logger.Info, "listener opened on %s", s.SocketPath)

	return nil
}

// Close closes the server.
func (s *Server) Close() {
	s.Log(logger.Info, "listener is closing")
	s.ctxCancel()
	s.ln.Close()

	s.connMutex.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connMutex.Unlock()

	s.wg.Wait()
	os.Remove(s.SocketPath)
}

// Log implements logger.Writer.
func (s *Server) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[ipc] "+format, args...)
}

func (s *Server) runListener() {
	defer s.wg.Done()

	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				s.Log(logger.Error, "accept failed: %v", err)
			}
			return
		}

		s.connMutex.Lock()
		if s.conn != nil {
			s.Log(logger.Info, "new producer connected, replacing previous connection")
			s.conn.Close()
		}
		s.conn = conn
		s.connMutex.Unlock()

		s.wg.Add(1)
		go s.runReader(conn)
	}
}

func (s *Server) runReader(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	s.Log(logger.Info, "producer connected")

	br := bufio.NewReaderSize(conn, readBufferSize)

	for {
		conn.SetReadDeadline(time.Now().Add(readDeadline))

		msg, err := streamipc.Read(br)
		if err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				// the producer is idle
				continue
			}

			if errors.Is(err, io.EOF) {
				s.Log(logger.Info, "producer disconnected")
			} else {
				select {
				case <-s.ctx.Done():
				default:
					s.Log(logger.Warn, "closing producer connection: %v", err)
				}
			}

			s.connMutex.Lock()
			if s.conn == conn {
				s.conn = nil
			}
			s.connMutex.Unlock()
			return
		}

		s.handleMessage(msg)
	}
}

func (s *Server) handleMessage(msg *streamipc.Message) {
	s.byteCount.Add(uint64(msg.Size()))

	switch msg.Type {
	case streamipc.MessageTypeVideo:
		u, err := msg.Video()
		if err != nil {
			s.Log(logger.Warn, "discarding video frame: %v", err)
			return
		}
		s.videoCount.Add(1)
		s.videoTotal.Add(1)
		s.Queue.PushVideo(u)

	case streamipc.MessageTypeAudio:
		u, err := msg.Audio()
		if err != nil {
			s.Log(logger.Warn, "discarding audio frame: %v", err)
			return
		}
		s.audioCount.Add(1)
		s.audioTotal.Add(1)
		s.Queue.PushAudio(u)

	case streamipc.MessageTypeMetadata:
		m, err := msg.Metadata()
		if err != nil {
			s.Log(logger.Warn, "discarding stream metadata: %v", err)
			return
		}
		s.Log(logger.Info, "stream is %dx%d %s %d fps, audio %d Hz %d channel(s)",
			m.VideoWidth, m.VideoHeight, m.VideoCodec, m.VideoFPS,
			m.AudioSampleRate, m.AudioChannels)
		s.Queue.PushMetadata(m)
	}
}

func (s *Server) runStats() {
	defer s.wg.Done()

	t := time.NewTicker(statsInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			v := s.videoCount.Swap(0)
			a := s.audioCount.Swap(0)
			b := s.byteCount.Swap(0)

			if v == 0 && a == 0 {
				continue
			}

			secs := statsInterval.Seconds()
			s.Log(logger.Info,
				"receiving %.1f video fps, %.1f audio fps, %.2f MiB/s"+
					" (total: %d video, %d audio, dropped: %d video, %d audio)",
				float64(v)/secs, float64(a)/secs, float64(b)/(secs*1024*1024),
				s.videoTotal.Load(), s.audioTotal.Load(),
				s.Queue.VideoDropped(), s.Queue.AudioDropped())

		case <-s.ctx.Done():
			return
		}
	}
}
