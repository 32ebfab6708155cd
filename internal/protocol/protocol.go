package protocol

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// MaxMessageSize is the maximum allowed frame payload (16 MiB).
const MaxMessageSize = 16 << 20

// Request kinds sent from the broker to the worker.
const (
	KindCompress   = "compress"
	KindDecompress = "decompress"
	KindExecute    = "execute"
)

// Message types sent from the worker to the broker. The type is the only
// discriminant between progress and terminal messages sharing an id.
const (
	TypeProgress = "progress"
	TypeSuccess  = "success"
	TypeFailure  = "failure"
)

// Stage is a named phase of an execute operation.
type Stage string

// Execute stages in the order the worker enters them.
const (
	StageDownloading Stage = "downloading-artifacts"
	StageCompiling   Stage = "compiling"
	StageLoading     Stage = "loading"
	StageRunning     Stage = "running"
)

// Stdio stream tags.
const (
	StreamOut = "out"
	StreamErr = "err"
)

// Format versions of the transformed byte encoding.
const (
	FormatLegacy  = 1
	FormatCurrent = 2
)

// Request is the payload sent from the broker to the worker.
type Request struct {
	Kind string `json:"kind"`
	ID   uint64 `json:"id"`

	// Transform payload.
	Bytes         []byte `json:"bytes,omitempty"`
	FormatVersion int    `json:"format_version,omitempty"`

	// Execute payload.
	Execute *ExecuteRequest `json:"execute,omitempty"`
}

// ExecuteRequest describes a script to run.
type ExecuteRequest struct {
	Name   string `json:"name"`
	Typed  bool   `json:"typed"`
	Source string `json:"source"`
}

// Chunk is one contiguous piece of output written to a single stream.
type Chunk struct {
	Stream string `json:"stream"`
	Text   string `json:"text"`
}

// ExecuteResult is the success payload of an execute request.
type ExecuteResult struct {
	Stdio           []Chunk `json:"stdio"`
	FileName        string  `json:"file_name"`
	CompileMessages string  `json:"compile_messages,omitempty"`
}

// Message is the envelope for all worker→broker messages. During an execute
// the worker sends zero or more progress messages followed by exactly one
// success or failure message carrying the same id.
type Message struct {
	Type string `json:"type"`
	ID   uint64 `json:"id"`
	Kind string `json:"kind,omitempty"`

	Stage   Stage          `json:"stage,omitempty"`
	Bytes   []byte         `json:"bytes,omitempty"`
	Result  *ExecuteResult `json:"result,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Terminal reports whether m settles its correlation.
func (m Message) Terminal() bool {
	return m.Type == TypeSuccess || m.Type == TypeFailure
}

// Progress builds a progress message.
func Progress(id uint64, stage Stage) Message {
	return Message{Type: TypeProgress, ID: id, Kind: KindExecute, Stage: stage}
}

// Failure builds a failure message.
func Failure(id uint64, kind, message string) Message {
	return Message{Type: TypeFailure, ID: id, Kind: kind, Message: message}
}

// WriteMessage writes a length-prefixed JSON message to w.
// The frame format is: 4-byte big-endian length prefix followed by the JSON payload.
func WriteMessage(w io.Writer, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	if len(data) > MaxMessageSize {
		return fmt.Errorf("message size %d exceeds maximum %d", len(data), MaxMessageSize)
	}

	// One write per frame so concurrent writers guarded by a mutex never
	// interleave partial frames on pipes.
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r and returns its payload.
// Any error leaves the stream unusable.
func ReadFrame(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("read length prefix: %w", err)
	}

	if length > MaxMessageSize {
		return nil, fmt.Errorf("message size %d exceeds maximum %d", length, MaxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return data, nil
}

// ReadMessage reads a length-prefixed JSON message from r and decodes it into v.
func ReadMessage(r io.Reader, v any) error {
	data, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal message: %w", err)
	}
	return nil
}

// Validate checks the envelope invariants of a worker message.
func (m Message) Validate() error {
	if m.ID == 0 {
		return fmt.Errorf("message has no id")
	}
	switch m.Type {
	case TypeProgress:
		if m.Stage == "" {
			return fmt.Errorf("progress message %d has no stage", m.ID)
		}
	case TypeSuccess, TypeFailure:
	default:
		return fmt.Errorf("unknown message type: %q", m.Type)
	}
	return nil
}
