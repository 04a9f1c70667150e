// Package asyncwriter contains an asynchronous writer.
package asyncwriter

import (
	"sync"
	"sync/atomic"

	"github.com/bluenviron/gortsplib/v4/pkg/ringbuffer"

	"github.com/onideus/gaming-capture/internal/logger"
)

// Writer is an asynchronous writer.
// Callbacks are executed on a dedicated routine; when the queue is full,
// the incoming callback is discarded and counted. Callback errors are
// logged and counted but never stop the routine, since a failing peer
// must not affect the frame source.
type Writer struct {
	limitedLogger logger.Writer
	buffer        *ringbuffer.RingBuffer

	dropped  atomic.Uint64
	errors   atomic.Uint64
	stopOnce sync.Once

	// out
	done chan struct{}
}

// New allocates a Writer.
func New(
	queueSize int,
	parent logger.Writer,
) *Writer {
	buffer, _ := ringbuffer.New(uint64(queueSize))

	return &Writer{
		limitedLogger: logger.NewLimitedLogger(parent),
		buffer:        buffer,
		done:          make(chan struct{}),
	}
}

// Start starts the writer routine.
func (w *Writer) Start() {
	go w.run()
}

// Stop stops the writer routine. It is safe to call more than once.
func (w *Writer) Stop() {
	w.stopOnce.Do(func() {
		w.buffer.Close()
		<-w.done
	})
}

func (w *Writer) run() {
	defer close(w.done)

	for {
		cb, ok := w.buffer.Pull()
		if !ok {
			return
		}

		err := cb.(func() error)()
		if err != nil {
			w.errors.Add(1)
			w.limitedLogger.Log(logger.Warn, "write failed: %v", err)
		}
	}
}

// Push appends an element to the queue.
func (w *Writer) Push(cb func() error) {
	ok := w.buffer.Push(cb)
	if !ok {
		w.dropped.Add(1)
		w.limitedLogger.Log(logger.Warn, "write queue is full")
	}
}

// Dropped returns the number of callbacks discarded because the queue was full.
func (w *Writer) Dropped() uint64 {
	return w.dropped.Load()
}

// Errors returns the number of callbacks that returned an error.
func (w *Writer) Errors() uint64 {
	return w.errors.Load()
}
