package proto

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/go-stomp/stomp/v3/frame"
)

// Frame commands used on the wire.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdMessage     = "MESSAGE"
	CmdError       = "ERROR"
	CmdDisconnect  = "DISCONNECT"
	CmdReceipt     = "RECEIPT"
)

// Header names.
const (
	HdrAcceptVersion = "accept-version"
	HdrVersion       = "version"
	HdrHost          = "host"
	HdrHeartBeat     = "heart-beat"
	HdrSession       = "session"
	HdrServer        = "server"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrContentType   = "content-type"
	HdrPriority      = "priority"
	HdrAuthorization = "Authorization"
	HdrMessage       = "message"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
)

const (
	Version     = "1.2"
	ContentJSON = "application/json"
)

var ErrEmptyFrame = errors.New("empty frame")

// NewFrame builds a frame from alternating header key/value pairs.
func NewFrame(command string, headers ...string) *frame.Frame {
	return frame.New(command, headers...)
}

// Encode serializes a single frame, including the trailing NUL octet.
func Encode(f *frame.Frame) ([]byte, error) {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return nil, fmt.Errorf("encode %s frame: %w", f.Command, err)
	}
	return buf.Bytes(), nil
}

// Decode parses exactly one frame. Heart-beat only input yields ErrEmptyFrame.
func Decode(data []byte) (*frame.Frame, error) {
	frames, err := DecodeAll(data)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, ErrEmptyFrame
	}
	if len(frames) > 1 {
		return nil, fmt.Errorf("expected one frame, got %d", len(frames))
	}
	return frames[0], nil
}

// DecodeAll parses every frame in data, skipping heart-beats.
func DecodeAll(data []byte) ([]*frame.Frame, error) {
	r := frame.NewReader(bytes.NewReader(data))
	var frames []*frame.Frame
	for {
		f, err := r.Read()
		if err == io.EOF {
			return frames, nil
		}
		if err != nil {
			return frames, fmt.Errorf("decode frame: %w", err)
		}
		if f == nil {
			continue
		}
		frames = append(frames, f)
	}
}

// Describe renders the command and destination for log lines.
func Describe(f *frame.Frame) string {
	if f == nil {
		return "<heartbeat>"
	}
	if dest := f.Header.Get(HdrDestination); dest != "" {
		return f.Command + " " + dest
	}
	return f.Command
}
