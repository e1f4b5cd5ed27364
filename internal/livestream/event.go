// Package livestream tails the live events file and fans new events out to
// subscribers.
package livestream

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// DefaultEventType is used for events that carry no type
const DefaultEventType = "message"

// Event is one line of events.jsonl. Raw holds the compacted original object
// and is what subscribers receive as data.
type Event struct {
	Seq  int64
	Type string
	Raw  json.RawMessage
}

var errNotObject = errors.New("event is not a JSON object")

// DecodeEvent parses one events.jsonl line. A missing or non-integer seq
// reads as 0; a missing, empty or multi-line type reads as DefaultEventType.
func DecodeEvent(line []byte) (Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(line, &fields); err != nil {
		return Event{}, err
	}
	if fields == nil {
		return Event{}, errNotObject
	}

	ev := Event{Type: DefaultEventType}
	if raw, ok := fields["seq"]; ok {
		if n, err := strconv.ParseInt(string(raw), 10, 64); err == nil {
			ev.Seq = n
		}
	}
	if raw, ok := fields["type"]; ok {
		var typ string
		// a line break would end the SSE field early
		if json.Unmarshal(raw, &typ) == nil && typ != "" && !strings.ContainsAny(typ, "\r\n") {
			ev.Type = typ
		}
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, line); err != nil {
		return Event{}, err
	}
	ev.Raw = buf.Bytes()
	return ev, nil
}

// MarshalJSON emits the original event object
func (e Event) MarshalJSON() ([]byte, error) {
	if len(e.Raw) == 0 {
		return json.Marshal(map[string]any{"seq": e.Seq, "type": e.Type})
	}
	return e.Raw, nil
}

// WriteFrame writes ev as one server-sent event frame
func WriteFrame(w io.Writer, ev Event) error {
	data, err := ev.MarshalJSON()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, data)
	return err
}

// WriteKeepalive writes an SSE comment frame that keeps idle connections open
func WriteKeepalive(w io.Writer) error {
	_, err := io.WriteString(w, ": keepalive\n\n")
	return err
}
