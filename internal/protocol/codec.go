package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/tidwall/gjson"
)

// DefaultMaxLine bounds a single frame. A 64 KiB file chunk is well under it
// after base64 and JSON overhead.
const DefaultMaxLine = 4 << 20

var (
	// ErrFrameParse marks a line that is not a well-formed message. The line
	// is dropped and the stream continues.
	ErrFrameParse = errors.New("frame parse error")

	// ErrFrameTooLong marks a line longer than the reader's limit.
	ErrFrameTooLong = fmt.Errorf("%w: line too long", ErrFrameParse)
)

// Encode serializes msg as a single newline-terminated JSON line.
func Encode(msg *Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", msg.Type, err)
	}
	return append(data, '\n'), nil
}

// Decode parses one frame. The frame must be a JSON object with a string
// "type"; types this build does not know are returned as-is.
func Decode(line []byte) (*Message, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return nil, fmt.Errorf("%w: empty line", ErrFrameParse)
	}
	if !gjson.ValidBytes(line) || !gjson.ParseBytes(line).IsObject() {
		return nil, fmt.Errorf("%w: not a JSON object", ErrFrameParse)
	}
	typ := gjson.GetBytes(line, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return nil, fmt.Errorf("%w: missing type", ErrFrameParse)
	}

	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrFrameParse, typ.Str, err)
	}
	return &msg, nil
}

// Reader reads frames from a stream, buffering partial reads until a full
// line is available.
type Reader struct {
	br      *bufio.Reader
	maxLine int
}

// NewReader wraps r. maxLine <= 0 selects DefaultMaxLine.
func NewReader(r io.Reader, maxLine int) *Reader {
	if maxLine <= 0 {
		maxLine = DefaultMaxLine
	}
	return &Reader{br: bufio.NewReaderSize(r, 64*1024), maxLine: maxLine}
}

// Next returns the next message. Errors wrapping ErrFrameParse are
// recoverable: the offending line has been consumed and Next may be called
// again. Any other error (including io.EOF) ends the stream; an incomplete
// trailing line is discarded.
func (r *Reader) Next() (*Message, error) {
	for {
		line, err := r.readLine()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		return Decode(line)
	}
}

func (r *Reader) readLine() ([]byte, error) {
	var (
		buf     []byte
		tooLong bool
	)
	for {
		frag, err := r.br.ReadSlice('\n')
		if !tooLong {
			if len(buf)+len(frag) > r.maxLine {
				tooLong = true
				buf = nil
			} else {
				buf = append(buf, frag...)
			}
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return nil, err
	}
	if tooLong {
		return nil, ErrFrameTooLong
	}
	return buf, nil
}
