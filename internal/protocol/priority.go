package protocol

// Dispatch priorities. Lower is more urgent.
const (
	PriorityInput     = 1
	PriorityClipboard = 2
	PriorityFile      = 3
	PriorityHandshake = 4
	PriorityUnknown   = 5
)

var priorities = map[MessageType]int{
	TypeMouseMove:         PriorityInput,
	TypeMouseClick:        PriorityInput,
	TypeKeyPress:          PriorityInput,
	TypeClipboardChange:   PriorityClipboard,
	TypeFileTransferStart: PriorityFile,
	TypeFileTransferData:  PriorityFile,
	TypeFileTransferEnd:   PriorityFile,
	TypeHandshake:         PriorityHandshake,
}

// Priority returns the static dispatch priority of t.
func (t MessageType) Priority() int {
	if p, ok := priorities[t]; ok {
		return p
	}
	return PriorityUnknown
}
