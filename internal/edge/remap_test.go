package edge

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/makeagreatcoup/inputleapcode/internal/protocol"
)

func TestDetectEdge(t *testing.T) {
	b := protocol.NewScreenBounds(0, 0, 1920, 1080)
	cases := []struct {
		p    protocol.Point
		want protocol.Edge
	}{
		{protocol.Point{X: 960, Y: 540}, protocol.EdgeNone},
		{protocol.Point{X: 0, Y: 540}, protocol.EdgeLeft},
		{protocol.Point{X: 4, Y: 540}, protocol.EdgeLeft},
		{protocol.Point{X: 5, Y: 540}, protocol.EdgeNone},
		{protocol.Point{X: 1918, Y: 540}, protocol.EdgeRight},
		{protocol.Point{X: 1914, Y: 540}, protocol.EdgeNone},
		{protocol.Point{X: 960, Y: 2}, protocol.EdgeTop},
		{protocol.Point{X: 960, Y: 1079}, protocol.EdgeBottom},
		// Corners resolve to the horizontal sides first.
		{protocol.Point{X: 0, Y: 0}, protocol.EdgeLeft},
		{protocol.Point{X: 1919, Y: 1079}, protocol.EdgeRight},
		{protocol.Point{X: -30, Y: 540}, protocol.EdgeLeft},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, DetectEdge(c.p, b, 5), "%+v", c.p)
	}
}

func TestDetectEdgeWithOffsetOrigin(t *testing.T) {
	b := protocol.NewScreenBounds(-1280, 0, 3200, 1024)
	assert.Equal(t, protocol.EdgeLeft, DetectEdge(protocol.Point{X: -1279, Y: 500}, b, 5))
	assert.Equal(t, protocol.EdgeNone, DetectEdge(protocol.Point{X: 0, Y: 500}, b, 5))
	assert.Equal(t, protocol.EdgeRight, DetectEdge(protocol.Point{X: 1919, Y: 500}, b, 5))
}

func TestRemapEntryToLargerScreen(t *testing.T) {
	sender := protocol.NewScreenBounds(0, 0, 1920, 1080)
	receiver := protocol.NewScreenBounds(0, 0, 2560, 1440)

	got := RemapEntry(protocol.Point{X: 0, Y: 540}, protocol.EdgeLeft, sender, receiver, 20)
	assert.Equal(t, 2540, got.X)
	assert.InDelta(t, 720, got.Y, 1)
	assert.True(t, receiver.Contains(got))
}

func TestRemapEntryAllEdges(t *testing.T) {
	from := protocol.NewScreenBounds(0, 0, 1000, 1000)
	to := protocol.NewScreenBounds(100, 200, 500, 400)

	cases := []struct {
		p    protocol.Point
		edge protocol.Edge
		want protocol.Point
	}{
		{protocol.Point{X: 999, Y: 250}, protocol.EdgeRight, protocol.Point{X: 120, Y: 300}},
		{protocol.Point{X: 0, Y: 250}, protocol.EdgeLeft, protocol.Point{X: 580, Y: 300}},
		{protocol.Point{X: 500, Y: 0}, protocol.EdgeTop, protocol.Point{X: 350, Y: 580}},
		{protocol.Point{X: 500, Y: 999}, protocol.EdgeBottom, protocol.Point{X: 350, Y: 220}},
		// Relative positions at the very end of the edge stay inset.
		{protocol.Point{X: 999, Y: 999}, protocol.EdgeRight, protocol.Point{X: 120, Y: 580}},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, RemapEntry(c.p, c.edge, from, to, 20), "%s %+v", c.edge, c.p)
	}
}

func TestRemapEntryDoesNotRetrigger(t *testing.T) {
	from := protocol.NewScreenBounds(0, 0, 1920, 1080)
	to := protocol.NewScreenBounds(0, 0, 1366, 768)
	for _, e := range []protocol.Edge{protocol.EdgeLeft, protocol.EdgeRight, protocol.EdgeTop, protocol.EdgeBottom} {
		for _, p := range []protocol.Point{{X: 0, Y: 0}, {X: 1919, Y: 1079}, {X: 960, Y: 540}} {
			got := RemapEntry(p, e, from, to, 20)
			assert.Equal(t, protocol.EdgeNone, DetectEdge(got, to, 5), "%s %+v -> %+v", e, p, got)
		}
	}
}

func TestRemapScale(t *testing.T) {
	remote := protocol.NewScreenBounds(0, 0, 1920, 1080)
	local := protocol.NewScreenBounds(0, 0, 2560, 1440)

	assert.Equal(t, protocol.Point{X: 1280, Y: 720}, RemapScale(protocol.Point{X: 960, Y: 540}, remote, local))
	assert.Equal(t, protocol.Point{X: 0, Y: 0}, RemapScale(protocol.Point{X: 0, Y: 0}, remote, local))
	assert.Equal(t, protocol.Point{X: 2559, Y: 1439}, RemapScale(protocol.Point{X: 1920, Y: 1080}, remote, local))

	offset := protocol.NewScreenBounds(-1920, 0, 1920, 1080)
	assert.Equal(t, protocol.Point{X: 1280, Y: 720}, RemapScale(protocol.Point{X: -960, Y: 540}, offset, local))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.Policy = "hidden"
	assert.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.EntryInset = 2
	assert.Error(t, bad.Validate())
}
