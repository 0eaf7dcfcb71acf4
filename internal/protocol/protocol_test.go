package protocol

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScreenBoundsInvariant(t *testing.T) {
	cases := []struct {
		left, top, w, h int
	}{
		{0, 0, 1920, 1080},
		{-1280, 0, 3200, 1080},
		{0, -200, 2560, 1640},
		{1, 1, 1, 1},
	}
	for _, c := range cases {
		b := NewScreenBounds(c.left, c.top, c.w, c.h)
		assert.Equal(t, b.Width, b.Right-b.Left)
		assert.Equal(t, b.Height, b.Bottom-b.Top)
		assert.NoError(t, b.Validate())
	}
}

func TestScreenBoundsValidateRejects(t *testing.T) {
	bad := []ScreenBounds{
		{},
		{Left: 0, Top: 0, Right: 100, Bottom: 100, Width: 90, Height: 100},
		{Left: 0, Top: 0, Right: 100, Bottom: 100, Width: 100, Height: 101},
		{Left: 0, Top: 0, Right: -10, Bottom: 10, Width: -10, Height: 10},
	}
	for _, b := range bad {
		assert.ErrorIs(t, b.Validate(), ErrInvalidBounds, "%v", b)
	}
}

func TestScreenBoundsClamp(t *testing.T) {
	b := NewScreenBounds(0, 0, 1920, 1080)

	assert.Equal(t, Point{X: 20, Y: 540}, b.Clamp(Point{X: -50, Y: 540}, 20))
	assert.Equal(t, Point{X: 1900, Y: 1060}, b.Clamp(Point{X: 5000, Y: 5000}, 20))
	assert.Equal(t, Point{X: 1919, Y: 0}, b.Clamp(Point{X: 1920, Y: -1}, 0))
	assert.Equal(t, Point{X: 960, Y: 540}, b.Clamp(Point{X: 0, Y: 0}, 2000))
}

func TestEdgeOpposite(t *testing.T) {
	assert.Equal(t, EdgeRight, EdgeLeft.Opposite())
	assert.Equal(t, EdgeLeft, EdgeRight.Opposite())
	assert.Equal(t, EdgeBottom, EdgeTop.Opposite())
	assert.Equal(t, EdgeTop, EdgeBottom.Opposite())
	assert.Equal(t, EdgeNone, EdgeNone.Opposite())
}

func TestMessageRoundTrip(t *testing.T) {
	bounds := NewScreenBounds(0, 0, 1920, 1080)
	payloads := map[MessageType]interface{}{
		TypeHandshake:         Handshake{Name: "desk", Role: "server", Secure: true, ScreenBounds: &bounds},
		TypeMouseMove:         MouseMove{X: 1918, Y: 540, Edge: EdgeRight, ScreenBounds: bounds, TransferToRemote: true},
		TypeMouseClick:        MouseClick{Button: "left", Double: true},
		TypeKeyPress:          KeyPress{Key: "a", Modifiers: []string{"ctrl"}},
		TypeClipboardChange:   ClipboardChange{Format: "text", Content: "hello\nworld"},
		TypeFileTransferStart: FileTransferStart{TransferID: "t1", FileName: "a.txt", FileSize: 3, FileHash: "abc"},
		TypeFileTransferData:  FileTransferChunk{TransferID: "t1", ChunkIndex: 2, Data: []byte{0, 1, '\n', 255}, Checksum: "ff"},
		TypeFileTransferEnd:   FileTransferEnd{TransferID: "t1", Success: false, Error: "boom"},
	}

	for typ, payload := range payloads {
		msg, err := NewMessage(typ, payload)
		require.NoError(t, err)

		line, err := Encode(msg)
		require.NoError(t, err)
		assert.Equal(t, 1, bytes.Count(line, []byte{'\n'}), "frame must be a single line")

		decoded, err := Decode(line)
		require.NoError(t, err)
		assert.Equal(t, msg, decoded, "type %s", typ)
	}
}

func TestHandshakeCarriesVersion(t *testing.T) {
	msg, err := NewMessage(TypeHandshake, Handshake{Role: "server"})
	require.NoError(t, err)
	assert.Equal(t, Version, msg.Version)
}

func TestDecodeUnknownTypePassesThrough(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"screen-layout","data":{"cols":2},"timestamp":7}`))
	require.NoError(t, err)
	assert.Equal(t, MessageType("screen-layout"), msg.Type)
	assert.False(t, msg.Type.Known())
	assert.JSONEq(t, `{"cols":2}`, string(msg.Data))
	assert.Equal(t, PriorityUnknown, msg.Type.Priority())
}

func TestDecodeRejectsMalformed(t *testing.T) {
	bad := []string{
		`not json`,
		`[1,2,3]`,
		`"just a string"`,
		`{"data":{}}`,
		`{"type":42}`,
		`{"type":"mouse-move","timestamp":"yesterday"}`,
		`{"type":"mouse-move"`,
	}
	for _, line := range bad {
		_, err := Decode([]byte(line))
		assert.ErrorIs(t, err, ErrFrameParse, line)
	}
}

func TestReaderPartialReads(t *testing.T) {
	var stream bytes.Buffer
	for i := 0; i < 3; i++ {
		msg, err := NewMessage(TypeMouseMove, MouseMove{X: i, Y: i, NormalMove: true})
		require.NoError(t, err)
		line, err := Encode(msg)
		require.NoError(t, err)
		stream.Write(line)
	}

	r := NewReader(iotest.OneByteReader(&stream), 0)
	for i := 0; i < 3; i++ {
		msg, err := r.Next()
		require.NoError(t, err)
		var mm MouseMove
		require.NoError(t, msg.DecodeData(&mm))
		assert.Equal(t, i, mm.X)
	}
	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderSkipsGarbageAndContinues(t *testing.T) {
	input := strings.Join([]string{
		`{"type":"handshake","version":"1.0","timestamp":1}`,
		`{broken`,
		``,
		`{"type":"key-press","data":{"key":"a"},"timestamp":2}`,
	}, "\n") + "\n"

	r := NewReader(strings.NewReader(input), 0)

	msg, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeHandshake, msg.Type)

	_, err = r.Next()
	assert.ErrorIs(t, err, ErrFrameParse)

	msg, err = r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeKeyPress, msg.Type)
}

func TestReaderDropsOversizedLine(t *testing.T) {
	long := `{"type":"clipboard-change","data":{"content":"` + strings.Repeat("x", 300) + `"},"timestamp":1}`
	input := long + "\n" + `{"type":"handshake","timestamp":2}` + "\n"

	r := NewReader(strings.NewReader(input), 128)

	_, err := r.Next()
	assert.True(t, errors.Is(err, ErrFrameTooLong))
	assert.ErrorIs(t, err, ErrFrameParse)

	msg, err := r.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeHandshake, msg.Type)
}

func TestReaderDiscardsIncompleteTrailingLine(t *testing.T) {
	r := NewReader(strings.NewReader(`{"type":"handshake","timestamp":1}`), 0)
	_, err := r.Next()
	assert.ErrorIs(t, err, io.EOF)
}

func TestPriorityTable(t *testing.T) {
	assert.Equal(t, 1, TypeMouseMove.Priority())
	assert.Equal(t, 1, TypeMouseClick.Priority())
	assert.Equal(t, 1, TypeKeyPress.Priority())
	assert.Equal(t, 2, TypeClipboardChange.Priority())
	assert.Equal(t, 3, TypeFileTransferData.Priority())
	assert.Equal(t, 4, TypeHandshake.Priority())
}

func TestIsPlainMove(t *testing.T) {
	assert.True(t, MouseMove{NormalMove: true}.IsPlainMove())
	assert.False(t, MouseMove{}.IsPlainMove())
	assert.False(t, MouseMove{NormalMove: true, TransferToRemote: true}.IsPlainMove())
	assert.False(t, MouseMove{EnterEdge: true}.IsPlainMove())
	assert.False(t, MouseMove{LeaveEdge: true}.IsPlainMove())
	assert.False(t, MouseMove{ReturnToLocal: true}.IsPlainMove())
}
