package daemon

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Frame format: a 4-byte big-endian length prefix followed by that many
// bytes of JSON.

// maxFrameSize guards against corrupt length prefixes.
const maxFrameSize = 4 << 20

// RequestKind enumerates client requests.
type RequestKind string

const (
	ReqPing            RequestKind = "ping"
	ReqStop            RequestKind = "stop"
	ReqSubscribeStatus RequestKind = "subscribe-status"
	ReqSubscribeLogs   RequestKind = "subscribe-logs"
	ReqUnsubscribe     RequestKind = "unsubscribe"
	ReqStartWithConfig RequestKind = "start-with-config"
)

// Request is one client frame.
type Request struct {
	Kind   RequestKind `json:"kind"`
	Config *RunConfig  `json:"config,omitempty"`
}

// RunConfig parameterises a StartWithConfig request.
type RunConfig struct {
	MaxParallel int    `json:"max_parallel,omitempty"`
	StageFilter string `json:"stage_filter,omitempty"`
	AutoMerge   *bool  `json:"auto_merge,omitempty"`
	Manual      bool   `json:"manual,omitempty"`
}

// ResponseKind enumerates server frames.
type ResponseKind string

const (
	RespPong          ResponseKind = "pong"
	RespOk            ResponseKind = "ok"
	RespError         ResponseKind = "error"
	RespConfigApplied ResponseKind = "config-applied"
	// RespStatus and RespLog are unsolicited subscription pushes.
	RespStatus ResponseKind = "status"
	RespLog    ResponseKind = "log"
)

// Response is one server frame.
type Response struct {
	Kind    ResponseKind    `json:"kind"`
	Message string          `json:"message,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// WriteFrame encodes v as JSON and writes a length-prefixed frame.
func WriteFrame(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrame reads one length-prefixed frame into v.
func ReadFrame(r io.Reader, v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return err
	}
	return json.Unmarshal(buf, v)
}
