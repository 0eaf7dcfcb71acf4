package tray

import (
	"encoding/binary"
	"image/color"
)

// State picks the tray icon colour.
type State int

const (
	StateIdle        State = iota // no peers
	StateConnected                // peers, pointer local
	StateControlling              // our pointer drives a peer
	StateControlled               // a peer drives our cursor
)

var stateColors = map[State]color.RGBA{
	StateIdle:        {R: 0x80, G: 0x80, B: 0x80, A: 0xff},
	StateConnected:   {R: 0x2e, G: 0x9e, B: 0x4f, A: 0xff},
	StateControlling: {R: 0x1f, G: 0x6f, B: 0xd1, A: 0xff},
	StateControlled:  {R: 0xd1, G: 0x8a, B: 0x1f, A: 0xff},
}

const iconSize = 16

// icon renders a 16x16 32-bit ICO with a filled disc in the state colour.
func icon(s State) []byte {
	c, ok := stateColors[s]
	if !ok {
		c = stateColors[StateIdle]
	}

	const (
		pixelBytes = iconSize * iconSize * 4
		maskRow    = 4 // 16 bits padded to 32
		maskBytes  = iconSize * maskRow
		dibSize    = 40
		imageSize  = dibSize + pixelBytes + maskBytes
		offset     = 6 + 16
	)
	buf := make([]byte, offset+imageSize)
	le := binary.LittleEndian

	// ICONDIR
	le.PutUint16(buf[2:], 1) // type: icon
	le.PutUint16(buf[4:], 1) // count

	// ICONDIRENTRY
	buf[6] = iconSize
	buf[7] = iconSize
	le.PutUint16(buf[10:], 1)  // planes
	le.PutUint16(buf[12:], 32) // bpp
	le.PutUint32(buf[14:], imageSize)
	le.PutUint32(buf[18:], offset)

	// BITMAPINFOHEADER, height doubled for the AND mask
	dib := buf[offset:]
	le.PutUint32(dib[0:], dibSize)
	le.PutUint32(dib[4:], iconSize)
	le.PutUint32(dib[8:], iconSize*2)
	le.PutUint16(dib[12:], 1)
	le.PutUint16(dib[14:], 32)
	le.PutUint32(dib[20:], pixelBytes+maskBytes)

	// BGRA rows, bottom-up. The mask stays zero; alpha does the shaping.
	px := dib[dibSize:]
	const r2 = 7 * 7
	for y := 0; y < iconSize; y++ {
		for x := 0; x < iconSize; x++ {
			dx, dy := 2*x-15, 2*y-15
			if dx*dx+dy*dy > 4*r2 {
				continue
			}
			i := ((iconSize-1-y)*iconSize + x) * 4
			px[i], px[i+1], px[i+2], px[i+3] = c.B, c.G, c.R, c.A
		}
	}
	return buf
}
