// Package streamipc implements the framed protocol spoken by the capture producer.
//
// Each message is:
//
//	1 byte  : message type
//	4 bytes : total payload length (big-endian uint32)
//	N bytes : UTF-8 JSON header, optionally followed by a single 0x00
//	          separator byte and a binary payload
package streamipc

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/onideus/gaming-capture/internal/unit"
)

// MaxMessageSize is the maximum declared length of a single message.
const MaxMessageSize = 100 * 1024 * 1024

// MessageType is the type of a producer message.
type MessageType byte

// message types.
const (
	MessageTypeVideo    MessageType = 0x01
	MessageTypeAudio    MessageType = 0x02
	MessageTypeMetadata MessageType = 0x03
)

// String implements fmt.Stringer.
func (t MessageType) String() string {
	switch t {
	case MessageTypeVideo:
		return "video"
	case MessageTypeAudio:
		return "audio"
	case MessageTypeMetadata:
		return "metadata"
	default:
		return fmt.Sprintf("unknown(0x%02x)", byte(t))
	}
}

// ErrTruncated is returned when the stream ends in the middle of a message.
var ErrTruncated = errors.New("truncated message")

// TooLargeError is returned when a message declares a length above MaxMessageSize.
type TooLargeError struct {
	Size uint32
}

// Error implements the error interface.
func (e TooLargeError) Error() string {
	return fmt.Sprintf("message too large: %d bytes", e.Size)
}

// UnknownTypeError is returned when a message carries an unrecognized type byte.
type UnknownTypeError struct {
	Type byte
}

// Error implements the error interface.
func (e UnknownTypeError) Error() string {
	return fmt.Sprintf("unknown message type: 0x%02x", e.Type)
}

// BadJSONError is returned when the JSON header of a message cannot be decoded.
type BadJSONError struct {
	Wrapped error
}

// Error implements the error interface.
func (e BadJSONError) Error() string {
	return "invalid JSON header: " + e.Wrapped.Error()
}

// Unwrap returns the wrapped error.
func (e BadJSONError) Unwrap() error {
	return e.Wrapped
}

type videoHeader struct {
	PTS      int64      `json:"pts"`
	DTS      int64      `json:"dts"`
	Keyframe bool       `json:"keyframe"`
	Width    int        `json:"width"`
	Height   int        `json:"height"`
	Codec    unit.Codec `json:"codec"`
}

type audioHeader struct {
	PTS         int64 `json:"pts"`
	SampleRate  int   `json:"sample_rate"`
	Channels    int   `json:"channels"`
	SampleCount int   `json:"sample_count"`
}

// Message is a single framed producer message.
type Message struct {
	Type    MessageType
	Header  []byte // raw JSON header
	Payload []byte // binary payload, nil for metadata messages
}

// findHeaderEnd returns the index of the first byte after the JSON header.
// The header is terminated either by a 0x00 separator or by the closing
// brace of the outermost JSON object.
func findHeaderEnd(data []byte) int {
	for i, b := range data {
		if b == 0 {
			return i
		}
	}

	depth := 0
	inString := false
	escaped := false

	for i, b := range data {
		if escaped {
			escaped = false
			continue
		}

		switch {
		case b == '\\' && inString:
			escaped = true

		case b == '"':
			inString = !inString

		case inString:

		case b == '{':
			depth++

		case b == '}':
			depth--
			if depth == 0 {
				return i + 1
			}
		}
	}

	return -1
}

// Read reads a single message from r.
// A clean EOF before the first byte is reported as io.EOF;
// an EOF in the middle of a message is reported as ErrTruncated.
func Read(r io.Reader) (*Message, error) {
	var typeBuf [1]byte
	if _, err := io.ReadFull(r, typeBuf[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(typeBuf[0])
	switch msgType {
	case MessageTypeVideo, MessageTypeAudio, MessageTypeMetadata:
	default:
		return nil, UnknownTypeError{Type: typeBuf[0]}
	}

	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, truncated(err)
	}

	totalLen := binary.BigEndian.Uint32(lenBuf[:])
	if totalLen > MaxMessageSize {
		return nil, TooLargeError{Size: totalLen}
	}

	data := make([]byte, totalLen)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, truncated(err)
	}

	headerEnd := findHeaderEnd(data)
	if headerEnd < 0 {
		return nil, BadJSONError{Wrapped: errors.New("header boundary not found")}
	}

	m := &Message{
		Type:   msgType,
		Header: data[:headerEnd],
	}

	payloadStart := headerEnd
	if payloadStart < len(data) && data[payloadStart] == 0 {
		payloadStart++
	}
	if payloadStart < len(data) {
		m.Payload = data[payloadStart:]
	}

	return m, nil
}

func truncated(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return ErrTruncated
	}
	return err
}

// Marshal encodes the message in wire format.
func (m *Message) Marshal() ([]byte, error) {
	totalLen := len(m.Header)
	if m.Payload != nil {
		totalLen += 1 + len(m.Payload)
	}
	if totalLen > MaxMessageSize {
		return nil, TooLargeError{Size: uint32(totalLen)}
	}

	buf := make([]byte, 0, 5+totalLen)
	buf = append(buf, byte(m.Type))
	buf = binary.BigEndian.AppendUint32(buf, uint32(totalLen))
	buf = append(buf, m.Header...)
	if m.Payload != nil {
		buf = append(buf, 0)
		buf = append(buf, m.Payload...)
	}

	return buf, nil
}

// Size returns the size of the message in wire format.
func (m *Message) Size() int {
	size := 5 + len(m.Header)
	if m.Payload != nil {
		size += 1 + len(m.Payload)
	}
	return size
}

// Video decodes the message into a video sample.
func (m *Message) Video() (*unit.Video, error) {
	var h videoHeader
	if err := json.Unmarshal(m.Header, &h); err != nil {
		return nil, BadJSONError{Wrapped: err}
	}

	return &unit.Video{
		PTS:        h.PTS,
		DTS:        h.DTS,
		IsKeyframe: h.Keyframe,
		Width:      h.Width,
		Height:     h.Height,
		Codec:      h.Codec,
		Payload:    m.Payload,
		ReceivedAt: time.Now(),
	}, nil
}

// Audio decodes the message into an audio sample.
func (m *Message) Audio() (*unit.Audio, error) {
	var h audioHeader
	if err := json.Unmarshal(m.Header, &h); err != nil {
		return nil, BadJSONError{Wrapped: err}
	}

	return &unit.Audio{
		PTS:         h.PTS,
		SampleRate:  h.SampleRate,
		Channels:    h.Channels,
		SampleCount: h.SampleCount,
		Payload:     m.Payload,
		ReceivedAt:  time.Now(),
	}, nil
}

// Metadata decodes the message into stream metadata.
func (m *Message) Metadata() (*unit.StreamMetadata, error) {
	var meta unit.StreamMetadata
	if err := json.Unmarshal(m.Header, &meta); err != nil {
		return nil, BadJSONError{Wrapped: err}
	}
	return &meta, nil
}

// VideoMessage encodes a video sample into a message.
func VideoMessage(u *unit.Video) (*Message, error) {
	header, err := json.Marshal(videoHeader{
		PTS:      u.PTS,
		DTS:      u.DTS,
		Keyframe: u.IsKeyframe,
		Width:    u.Width,
		Height:   u.Height,
		Codec:    u.Codec,
	})
	if err != nil {
		return nil, err
	}

	payload := u.Payload
	if payload == nil {
		payload = []byte{}
	}

	return &Message{
		Type:    MessageTypeVideo,
		Header:  header,
		Payload: payload,
	}, nil
}

// AudioMessage encodes an audio sample into a message.
func AudioMessage(u *unit.Audio) (*Message, error) {
	header, err := json.Marshal(audioHeader{
		PTS:         u.PTS,
		SampleRate:  u.SampleRate,
		Channels:    u.Channels,
		SampleCount: u.SampleCount,
	})
	if err != nil {
		return nil, err
	}

	payload := u.Payload
	if payload == nil {
		payload = []byte{}
	}

	return &Message{
		Type:    MessageTypeAudio,
		Header:  header,
		Payload: payload,
	}, nil
}

// MetadataMessage encodes stream metadata into a message.
func MetadataMessage(meta *unit.StreamMetadata) (*Message, error) {
	header, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}

	return &Message{
		Type:   MessageTypeMetadata,
		Header: header,
	}, nil
}
