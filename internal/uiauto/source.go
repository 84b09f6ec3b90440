package uiauto

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ErrBadEvent marks a malformed line; the stream itself is still usable and
// the caller may keep reading.
var ErrBadEvent = errors.New("malformed ui event")

// wireEvent is the NDJSON form of an event as sent by the host bridge.
type wireEvent struct {
	Kind      string    `json:"kind"`
	SourceApp string    `json:"source_app"`
	Texts     []string  `json:"texts,omitempty"`
	Tree      *TreeNode `json:"tree,omitempty"`
}

// Source decodes UI events from an NDJSON stream and binds each snapshot's
// nodes to an ActionWriter so SetText/Click flow back to the host.
type Source struct {
	dec     *bufio.Scanner
	actions *ActionWriter
}

func NewSource(r io.Reader, actions *ActionWriter) *Source {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	return &Source{dec: sc, actions: actions}
}

// Next returns the next event from the stream. io.EOF signals a clean end of
// the stream; malformed lines are returned as errors the caller may skip.
func (s *Source) Next() (Event, error) {
	for s.dec.Scan() {
		line := s.dec.Bytes()
		if len(line) == 0 {
			continue
		}
		var raw wireEvent
		if err := json.Unmarshal(line, &raw); err != nil {
			return Event{}, fmt.Errorf("%w: %v", ErrBadEvent, err)
		}
		evt := Event{
			Kind:      EventKind(raw.Kind),
			SourceApp: raw.SourceApp,
			Texts:     raw.Texts,
		}
		if raw.Tree != nil {
			raw.Tree.bind(nil, s.actions)
			evt.Root = raw.Tree
		}
		return evt, nil
	}
	if err := s.dec.Err(); err != nil {
		return Event{}, fmt.Errorf("read event stream: %w", err)
	}
	return Event{}, io.EOF
}
