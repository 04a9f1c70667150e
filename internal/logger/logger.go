// Package logger contains a logger implementation.
package logger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/gookit/color"
)

// Level is a log level.
type Level int

// Log levels.
const (
	Debug Level = iota + 1
	Info
	Warn
	Error
)

// Destination is a log destination.
type Destination int

const (
	// DestinationStdout writes logs to the standard output.
	DestinationStdout Destination = iota

	// DestinationFile writes logs to a file.
	DestinationFile
)

// Writer is an object that provides a log method.
type Writer interface {
	Log(level Level, format string, args ...interface{})
}

type destination interface {
	log(t time.Time, level Level, format string, args ...interface{})
	close()
}

// Logger is a log handler.
type Logger struct {
	Level        Level
	Destinations []Destination
	File         string
	Structured   bool

	// private (used in tests)
	timeNow func() time.Time
	stdout  io.Writer

	mutex        sync.Mutex
	destinations []destination
}

// Initialize initializes a Logger.
func (lh *Logger) Initialize() error {
	if lh.timeNow == nil {
		lh.timeNow = time.Now
	}
	if lh.stdout == nil {
		lh.stdout = os.Stdout
	}

	for _, destType := range lh.Destinations {
		switch destType {
		case DestinationStdout:
			lh.destinations = append(lh.destinations, newDestinationStdout(lh.stdout, lh.Structured))

		case DestinationFile:
			d, err := newDestinationFile(lh.File, lh.Structured)
			if err != nil {
				lh.Close()
				return err
			}
			lh.destinations = append(lh.destinations, d)
		}
	}

	return nil
}

// Close closes a Logger.
func (lh *Logger) Close() {
	for _, dest := range lh.destinations {
		dest.close()
	}
}

// https://golang.org/src/log/log.go#L78
func itoa(i int, wid int) []byte {
	var b [20]byte
	bp := len(b) - 1
	for i >= 10 || wid > 1 {
		wid--
		q := i / 10
		b[bp] = byte('0' + i - q*10)
		bp--
		i = q
	}
	b[bp] = byte('0' + i)
	return b[bp:]
}

func writeTime(buf *bytes.Buffer, t time.Time, doColor bool) {
	var intbuf bytes.Buffer

	// date
	year, month, day := t.Date()
	intbuf.Write(itoa(year, 4))
	intbuf.WriteByte('/')
	intbuf.Write(itoa(int(month), 2))
	intbuf.WriteByte('/')
	intbuf.Write(itoa(day, 2))
	intbuf.WriteByte(' ')

	// time
	hour, minute, sec := t.Clock()
	intbuf.Write(itoa(hour, 2))
	intbuf.WriteByte(':')
	intbuf.Write(itoa(minute, 2))
	intbuf.WriteByte(':')
	intbuf.Write(itoa(sec, 2))
	intbuf.WriteByte(' ')

	if doColor {
		buf.WriteString(color.RenderString(color.Gray.Code(), intbuf.String()))
	} else {
		buf.WriteString(intbuf.String())
	}
}

func levelString(level Level) string {
	switch level {
	case Debug:
		return "DEB"
	case Info:
		return "INF"
	case Warn:
		return "WAR"
	default:
		return "ERR"
	}
}

func writeLevel(buf *bytes.Buffer, level Level, doColor bool) {
	label := levelString(level)

	if doColor {
		switch level {
		case Debug:
			buf.WriteString(color.RenderString(color.Debug.Code(), label))

		case Info:
			buf.WriteString(color.RenderString(color.Green.Code(), label))

		case Warn:
			buf.WriteString(color.RenderString(color.Warn.Code(), label))

		case Error:
			buf.WriteString(color.RenderString(color.Error.Code(), label))
		}
	} else {
		buf.WriteString(label)
	}
	buf.WriteByte(' ')
}

func writeContent(buf *bytes.Buffer, format string, args []interface{}) {
	fmt.Fprintf(buf, format, args...)
	buf.WriteByte('\n')
}

type structuredEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

func writeStructured(buf *bytes.Buffer, t time.Time, level Level, format string, args []interface{}) {
	enc, _ := json.Marshal(structuredEntry{
		Timestamp: t.Format(time.RFC3339Nano),
		Level:     levelString(level),
		Message:   fmt.Sprintf(format, args...),
	})
	buf.Write(enc)
	buf.WriteByte('\n')
}

// Log writes a log entry.
func (lh *Logger) Log(level Level, format string, args ...interface{}) {
	if level < lh.Level {
		return
	}

	t := lh.timeNow()

	lh.mutex.Lock()
	defer lh.mutex.Unlock()

	for _, dest := range lh.destinations {
		dest.log(t, level, format, args...)
	}
}
