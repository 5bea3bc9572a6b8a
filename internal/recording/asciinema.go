// Package recording keeps an asciinema v2 transcript of each session, so a
// conversation can be played back with stock asciinema tooling.
package recording

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/remote-agent-terminal/agent-sessions/internal/model"
)

const (
	castWidth  = 120
	castHeight = 40
)

// Header is the first line of an asciinema v2 recording.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is one recording line: [time_offset, event_type, data].
type Event struct {
	TimeOffset float64
	EventType  string // "o" for agent output, "i" for user input
	Data       string
}

// MarshalJSON encodes the event as a three element array.
func (e Event) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{e.TimeOffset, e.EventType, e.Data})
}

// UnmarshalJSON decodes a three element array.
func (e *Event) UnmarshalJSON(data []byte) error {
	var arr []any
	if err := json.Unmarshal(data, &arr); err != nil {
		return err
	}
	if len(arr) != 3 {
		return fmt.Errorf("invalid event format: expected 3 elements, got %d", len(arr))
	}

	var ok bool
	if e.TimeOffset, ok = arr[0].(float64); !ok {
		return errors.New("invalid time offset type")
	}
	if e.EventType, ok = arr[1].(string); !ok {
		return errors.New("invalid event type")
	}
	if e.Data, ok = arr[2].(string); !ok {
		return errors.New("invalid event data type")
	}
	return nil
}

// Recorder appends events to one session's recording.
type Recorder struct {
	writer    io.Writer
	file      *os.File // only set if we own the file
	startTime time.Time
	mu        sync.Mutex
}

// Open opens the recording at path for appending. A new or empty file gets
// a header titled with sessionID; an existing recording keeps its header and
// time base so offsets stay monotonic across restarts.
func Open(path, sessionID string) (*Recorder, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}

	r := &Recorder{writer: file, file: file, startTime: time.Now()}

	header, err := readHeader(file)
	switch {
	case err == nil:
		r.startTime = time.Unix(header.Timestamp, 0)
	case errors.Is(err, io.EOF):
		if err := r.WriteHeader(sessionID, nil); err != nil {
			file.Close()
			return nil, err
		}
	default:
		file.Close()
		return nil, fmt.Errorf("failed to read recording header: %w", err)
	}

	return r, nil
}

// NewWithWriter creates a Recorder that writes to w. The caller writes the
// header.
func NewWithWriter(w io.Writer) *Recorder {
	return &Recorder{writer: w, startTime: time.Now()}
}

func readHeader(f *os.File) (Header, error) {
	var h Header
	line, err := bufio.NewReader(io.NewSectionReader(f, 0, 1<<20)).ReadBytes('\n')
	if len(line) == 0 {
		if err == nil {
			err = io.EOF
		}
		return h, err
	}
	if err := json.Unmarshal(line, &h); err != nil {
		return h, err
	}
	return h, nil
}

// WriteHeader writes the asciinema v2 header.
func (r *Recorder) WriteHeader(title string, env map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	data, err := json.Marshal(Header{
		Version:   2,
		Width:     castWidth,
		Height:    castHeight,
		Timestamp: r.startTime.Unix(),
		Title:     title,
		Env:       env,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	if _, err := r.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	return nil
}

// WriteInput records a user message.
func (r *Recorder) WriteInput(content string) error {
	return r.writeEvent("i", "> "+crlf(content)+"\r\n")
}

// WriteUpdate records an agent update as one output line.
func (r *Recorder) WriteUpdate(u *model.AgentUpdate) error {
	return r.writeEvent("o", fmt.Sprintf("[%s] %s\r\n", u.Kind, crlf(u.Summary())))
}

func (r *Recorder) writeEvent(eventType, data string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	event := Event{
		TimeOffset: time.Since(r.startTime).Seconds(),
		EventType:  eventType,
		Data:       data,
	}

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if _, err := r.writer.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// Close closes the recording file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil {
		err := r.file.Close()
		r.file = nil
		return err
	}
	return nil
}

// crlf makes line breaks render as new lines in a terminal player.
func crlf(s string) string {
	return strings.ReplaceAll(strings.ReplaceAll(s, "\r\n", "\n"), "\n", "\r\n")
}

// Parse reads a recording back into its header and events.
func Parse(r io.Reader) (Header, []Event, error) {
	var header Header
	var events []Event

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if first {
			if err := json.Unmarshal(line, &header); err != nil {
				return header, nil, fmt.Errorf("invalid header: %w", err)
			}
			first = false
			continue
		}
		var ev Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return header, events, fmt.Errorf("invalid event: %w", err)
		}
		events = append(events, ev)
	}
	return header, events, sc.Err()
}
