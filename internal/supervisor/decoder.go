package supervisor

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// Result is the outcome of one Decoder.Next attempt.
type Result int

const (
	NeedMore Result = iota
	Decoded
	Malformed
)

func (r Result) String() string {
	switch r {
	case NeedMore:
		return "need_more"
	case Decoded:
		return "decoded"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Decoder splits a byte stream of concatenated JSON values. Values need no
// delimiter; partial input is kept until it completes.
//
// After a syntax error the decoder discards input until a line whose first
// non-blank byte opens an object or array, so fragments of a broken value are
// never taken for values of their own. The whole discarded run counts as one
// Malformed result.
type Decoder struct {
	buf []byte

	skipping  bool
	lineStart bool
}

// Write appends raw stream bytes.
func (d *Decoder) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes not yet consumed.
func (d *Decoder) Buffered() int { return len(d.buf) }

// Next tries to take one value off the buffer. eof reports that the stream has
// ended, so an incomplete tail can never complete.
func (d *Decoder) Next(eof bool) (json.RawMessage, Result) {
	if d.skipping && !d.resync() {
		if eof {
			d.skipping = false
			d.buf = d.buf[:0]
		}
		return nil, NeedMore
	}

	d.skipSpace()
	if len(d.buf) == 0 {
		return nil, NeedMore
	}

	dec := json.NewDecoder(bytes.NewReader(d.buf))
	var raw json.RawMessage
	err := dec.Decode(&raw)
	switch {
	case err == nil:
		end := int(dec.InputOffset())
		// "12" may be the start of "123"
		if !eof && end == len(d.buf) && isNumberStart(d.buf[0]) {
			return nil, NeedMore
		}
		var out bytes.Buffer
		if cerr := json.Compact(&out, raw); cerr != nil {
			out.Reset()
			out.Write(raw)
		}
		d.consume(end)
		return out.Bytes(), Decoded

	case errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF):
		if !eof {
			return nil, NeedMore
		}
		d.buf = d.buf[:0]
		return nil, Malformed

	default:
		d.skipping = true
		d.lineStart = false
		d.resync()
		return nil, Malformed
	}
}

// resync drops bytes until the buffer starts at a line opening with '{' or
// '['. It reports whether such a line was found; otherwise the buffer holds at
// most the blank prefix of the current line.
func (d *Decoder) resync() bool {
	for {
		if !d.lineStart {
			nl := bytes.IndexByte(d.buf, '\n')
			if nl < 0 {
				d.buf = d.buf[:0]
				return false
			}
			d.consume(nl + 1)
			d.lineStart = true
		}
		i := 0
		for i < len(d.buf) && (d.buf[i] == ' ' || d.buf[i] == '\t' || d.buf[i] == '\r') {
			i++
		}
		d.consume(i)
		if len(d.buf) == 0 {
			return false
		}
		switch d.buf[0] {
		case '{', '[':
			d.skipping = false
			return true
		case '\n':
			d.consume(1)
		default:
			d.lineStart = false
		}
	}
}

func (d *Decoder) skipSpace() {
	i := 0
	for i < len(d.buf) && isSpace(d.buf[i]) {
		i++
	}
	d.consume(i)
}

func (d *Decoder) consume(n int) {
	if n == 0 {
		return
	}
	rest := copy(d.buf, d.buf[n:])
	d.buf = d.buf[:rest]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}

func isNumberStart(c byte) bool {
	return c == '-' || (c >= '0' && c <= '9')
}
