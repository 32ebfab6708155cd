package worker

import "github.com/seantiz/sandbroker/internal/protocol"

// Stdio collects script output as chunks. Consecutive writes to the same
// stream extend the last chunk.
type Stdio struct {
	chunks []protocol.Chunk
}

// Write appends text to stream.
func (s *Stdio) Write(stream, text string) {
	if text == "" {
		return
	}
	if n := len(s.chunks); n > 0 && s.chunks[n-1].Stream == stream {
		s.chunks[n-1].Text += text
		return
	}
	s.chunks = append(s.chunks, protocol.Chunk{Stream: stream, Text: text})
}

// Chunks returns the collected output.
func (s *Stdio) Chunks() []protocol.Chunk {
	out := make([]protocol.Chunk, len(s.chunks))
	copy(out, s.chunks)
	return out
}
