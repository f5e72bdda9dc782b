package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// MaxMessageSize bounds a single encoded message.
const MaxMessageSize = 1 << 20

var (
	// ErrMalformed reports a message that is not a JSON object or whose payload
	// does not match the message schema.
	ErrMalformed = errors.New("malformed message")
	// ErrMissingAction reports a message without an action field.
	ErrMissingAction = errors.New("message has no action")
	// ErrInvalidAction reports an action field that is not a string.
	ErrInvalidAction = errors.New("message action is not a string")
	// ErrUnknownAction reports a well-formed message with a verb outside the verb set.
	ErrUnknownAction = errors.New("unknown action")
)

// Decode parses and validates one raw message. For ErrUnknownAction the decoded
// message is returned alongside the error so callers can log the verb.
func Decode(raw []byte) (Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if fields == nil {
		return Message{}, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	a, ok := fields["action"]
	if !ok {
		return Message{}, ErrMissingAction
	}
	var action string
	if err := json.Unmarshal(a, &action); err != nil || bytes.Equal(bytes.TrimSpace(a), []byte("null")) {
		return Message{}, ErrInvalidAction
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if !m.Action.Valid() {
		return m, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
	return m, nil
}

// Marshal encodes m as a single newline-terminated line.
func Marshal(m Message) ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(b) > MaxMessageSize {
		return nil, fmt.Errorf("message %s exceeds %d bytes", m.Action, MaxMessageSize)
	}
	return append(b, '\n'), nil
}

// Encoder writes messages to a stream. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) Encode(m Message) error {
	b, err := Marshal(m)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(b)
	return err
}

// ReadLines calls fn with every non-blank line of r until r is exhausted. The
// slice passed to fn is owned by fn. Lines longer than MaxMessageSize are
// skipped up to the next newline and reported to tooLong, which may be nil.
// Only read errors other than io.EOF are returned.
func ReadLines(r io.Reader, fn func([]byte), tooLong func(size int)) error {
	br := bufio.NewReaderSize(r, 64*1024)
	var (
		line []byte
		size int
	)
	for {
		chunk, err := br.ReadSlice('\n')
		size += len(chunk)
		if size <= MaxMessageSize+1 {
			line = append(line, chunk...)
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if err == nil || (errors.Is(err, io.EOF) && size > 0) {
			n := size
			if len(chunk) > 0 && chunk[len(chunk)-1] == '\n' {
				n--
			}
			if n > MaxMessageSize {
				if tooLong != nil {
					tooLong(n)
				}
			} else if l := bytes.TrimSpace(line); len(l) > 0 {
				fn(append([]byte(nil), l...))
			}
			line, size = line[:0], 0
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}
