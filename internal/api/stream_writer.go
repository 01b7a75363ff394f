package api

import (
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

// SSEStreamWriter writes a generation as server-sent events:
// generation.created, one generation.delta per row and step, then
// generation.completed or generation.failed.
type SSEStreamWriter struct {
	w       io.Writer
	flusher func()
	seq     int
	begun   bool
}

func NewSSEStreamWriter(c *echo.Context) (*SSEStreamWriter, error) {
	res := c.Response()
	flusher, ok := res.(interface{ Flush() })
	if !ok {
		return nil, fmt.Errorf("streaming unsupported")
	}
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")

	return &SSEStreamWriter{
		w:       res,
		flusher: flusher.Flush,
		seq:     1,
	}, nil
}

func (s *SSEStreamWriter) Begin(resp GenerateResponse) error {
	s.begun = true
	return s.send(streamEvent{Type: "generation.created", Generation: &resp})
}

func (s *SSEStreamWriter) Started() bool {
	return s.begun
}

func (s *SSEStreamWriter) EmitTokens(row int, tokens []int) error {
	return s.send(streamEvent{Type: "generation.delta", Row: &row, Tokens: tokens})
}

func (s *SSEStreamWriter) Complete(resp GenerateResponse) error {
	return s.send(streamEvent{Type: "generation.completed", Generation: &resp})
}

func (s *SSEStreamWriter) Failed(resp GenerateResponse, err error) error {
	if resp.Error == nil {
		resp.Error = &ErrorObject{Message: err.Error(), Type: "server_error"}
	}
	return s.send(streamEvent{Type: "generation.failed", Generation: &resp})
}

func (s *SSEStreamWriter) send(ev streamEvent) error {
	ev.SequenceNumber = s.seq
	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, b); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher()
	}
	s.seq++
	return nil
}
