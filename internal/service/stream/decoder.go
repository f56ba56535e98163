package stream

import (
	"bytes"
	"encoding/json"
	"io"

	"github.com/ChaseRain/pptwizard/internal/service/outline"
)

var dataPrefix = []byte("data: ")

// record is the union of all fields any event type may carry.
type record struct {
	Type       string           `json:"type"`
	Message    string           `json:"message"`
	Error      string           `json:"error"`
	AgentType  string           `json:"agentType"`
	FileURL    string           `json:"fileUrl"`
	FileName   string           `json:"fileName"`
	Iterations int              `json:"iterations"`
	ToolsUsed  []string         `json:"toolsUsed"`
	Slides     *[]outline.Slide `json:"slides"`
}

// Decoder turns arbitrarily split byte chunks into events. Chunks may end in
// the middle of a line or of a multi-byte character; the partial tail is
// buffered until the next Feed. A Decoder is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

func NewDecoder() *Decoder {
	return &Decoder{}
}

// Feed consumes chunk and returns the events of every line it completed.
func (d *Decoder) Feed(chunk []byte) []Event {
	d.buf = append(d.buf, chunk...)

	var events []Event
	start := 0
	for {
		i := bytes.IndexByte(d.buf[start:], '\n')
		if i < 0 {
			break
		}
		if ev, ok := ParseLine(d.buf[start : start+i]); ok {
			events = append(events, ev)
		}
		start += i + 1
	}

	if start > 0 {
		n := copy(d.buf, d.buf[start:])
		d.buf = d.buf[:n]
	}
	return events
}

// Close drops any buffered partial line and returns its length. A line
// without a terminating newline is incomplete by definition.
func (d *Decoder) Close() int {
	n := len(d.buf)
	d.buf = d.buf[:0]
	return n
}

// ParseLine decodes a single line without its newline. Lines without the
// "data: " prefix, unparsable bodies and unknown types yield false.
func ParseLine(line []byte) (Event, bool) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	if !bytes.HasPrefix(line, dataPrefix) {
		return nil, false
	}

	var rec record
	if err := json.Unmarshal(line[len(dataPrefix):], &rec); err != nil {
		return nil, false
	}

	switch rec.Type {
	case TypeStatus:
		return Status{Message: rec.Message}, true
	case TypeWarning:
		return Warning{Message: rec.Message}, true
	case TypeStart:
		return Start{AgentType: rec.AgentType}, true
	case TypeAgentThinking:
		return AgentThinking{Message: rec.Message}, true
	case TypeOutlineGenerating:
		return OutlineGenerating{Message: rec.Message}, true
	case TypeOutlineReady:
		return OutlineReady{}, true
	case TypeHeartbeat:
		return Heartbeat{Message: rec.Message}, true
	case TypeComplete:
		ev := Complete{
			FileURL:    rec.FileURL,
			FileName:   rec.FileName,
			AgentType:  rec.AgentType,
			Iterations: rec.Iterations,
			ToolsUsed:  rec.ToolsUsed,
		}
		if rec.Slides != nil {
			ev.Slides = *rec.Slides
			ev.HasSlides = true
		}
		return ev, true
	case TypeError:
		msg := rec.Message
		if msg == "" {
			msg = rec.Error
		}
		return Error{Message: msg}, true
	case TypeResult, "":
		if rec.Slides == nil {
			return nil, false
		}
		return Result{Slides: *rec.Slides}, true
	}
	return nil, false
}

// DecodeAll reads r to the end, passing each event to fn in arrival order.
// fn returning false stops decoding early. The read error, if any, is
// returned; io.EOF is not an error.
func DecodeAll(r io.Reader, fn func(Event) bool) error {
	d := NewDecoder()
	defer d.Close()

	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, ev := range d.Feed(buf[:n]) {
				if !fn(ev) {
					return nil
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
