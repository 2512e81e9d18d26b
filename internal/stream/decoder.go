package stream

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"
)

const (
	dataPrefix = "data:"
	doneMarker = "[DONE]"
)

// Decoder reads server-sent events of the assistant stream. Each event is a
// single "data: <json>" line; other SSE fields and blank lines are ignored.
type Decoder struct {
	r      *bufio.Reader
	logger *zap.Logger
	done   bool
}

// NewDecoder reads events from r. Malformed records are logged to logger and
// skipped.
func NewDecoder(r io.Reader, logger *zap.Logger) *Decoder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Decoder{r: bufio.NewReader(r), logger: logger}
}

// Next returns the next well-formed event. It returns io.EOF once the stream
// ended, either because the body was exhausted, the [DONE] marker arrived or
// a result or error event was delivered. Malformed lines are logged and
// skipped. Read failures are returned wrapped and end the stream.
func (d *Decoder) Next() (Event, error) {
	for !d.done {
		line, err := d.r.ReadBytes('\n')
		if err != nil {
			d.done = true
			if !errors.Is(err, io.EOF) {
				return Event{}, fmt.Errorf("reading stream: %w", err)
			}
		}

		ev, ok := d.parseLine(line)
		if !ok {
			continue
		}
		if ev.Terminal() {
			d.done = true
		}
		return ev, nil
	}
	return Event{}, io.EOF
}

func (d *Decoder) parseLine(line []byte) (Event, bool) {
	line = bytes.TrimRight(line, "\r\n")
	if len(line) == 0 || !bytes.HasPrefix(line, []byte(dataPrefix)) {
		return Event{}, false
	}
	data := bytes.TrimSpace(line[len(dataPrefix):])
	if len(data) == 0 {
		return Event{}, false
	}
	if string(data) == doneMarker {
		d.done = true
		return Event{}, false
	}

	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		d.logger.Warn("skipping malformed stream line", zap.Error(err), zap.ByteString("data", truncate(data, 200)))
		return Event{}, false
	}

	switch EventType(w.Type) {
	case EventToken:
		return Event{Type: EventToken, Content: w.Content}, true
	case EventStatus:
		return Event{Type: EventStatus, Message: firstNonEmpty(w.Message, w.Content)}, true
	case EventError:
		msg := firstNonEmpty(w.Message, w.Content)
		if msg == "" {
			msg = "assistant returned an error"
		}
		return Event{Type: EventError, Message: msg}, true
	case EventResult:
		if w.Payload == nil {
			d.logger.Warn("skipping result event without payload")
			return Event{}, false
		}
		return Event{Type: EventResult, Result: w.Payload}, true
	default:
		d.logger.Warn("skipping unknown stream event", zap.String("type", w.Type))
		return Event{}, false
	}
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
