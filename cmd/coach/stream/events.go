package streamcmder

import (
	"bufio"
	"io"
	"strings"
)

// Event is one dispatched server-sent event. Event is empty for plain data
// events.
type Event struct {
	Event string
	Data  string
}

// Reader parses a server-sent event stream. Comments and unknown fields are
// ignored; blocks with neither data nor an event name are not dispatched.
type Reader struct {
	scanner *bufio.Scanner
}

// NewReader reads events from r.
func NewReader(r io.Reader) *Reader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &Reader{scanner: scanner}
}

// Next returns the next event, or io.EOF once the stream ended. A block cut
// off by the end of the stream is dropped.
func (r *Reader) Next() (Event, error) {
	var (
		ev      Event
		data    []string
		pending bool
	)

	for r.scanner.Scan() {
		line := r.scanner.Text()

		if line == "" {
			if !pending {
				continue
			}
			ev.Data = strings.Join(data, "\n")
			return ev, nil
		}

		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Event = value
			pending = true
		case "data":
			data = append(data, value)
			pending = true
		}
	}

	if err := r.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}
