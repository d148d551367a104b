package protocol

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"sync"
)

// MaxFrameSize bounds a single request line.
const MaxFrameSize = 1 << 20

// Decoder reads newline delimited frames.
type Decoder struct {
	sc *bufio.Scanner
}

func NewDecoder(r io.Reader) *Decoder {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), MaxFrameSize)
	return &Decoder{sc: sc}
}

// Next decodes the next frame into v. It returns io.EOF at end of stream and a
// ProtocolError for a malformed frame; the decoder stays usable after the latter.
func (d *Decoder) Next(v any) error {
	for d.sc.Scan() {
		line := d.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return Errorf(KindProtocol, "malformed frame: %v", err)
		}
		return nil
	}
	if err := d.sc.Err(); err != nil {
		return fmt.Errorf("read frame: %w", err)
	}
	return io.EOF
}

// Encoder writes newline delimited frames. Safe for concurrent use so that
// replies and subscription frames can share one connection.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEncoder(w io.Writer) *Encoder { return &Encoder{w: w} }

func (e *Encoder) Encode(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	e.mu.Lock()
	defer e.mu.Unlock()
	_, err = e.w.Write(b)
	return err
}
