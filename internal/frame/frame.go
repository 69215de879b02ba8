// Package frame defines the wire-level CAN datagram shared by the
// transport, ISO-TP, and diagnostics layers.
package frame

import "time"

// MaxDataLength is the largest payload a classic (non-FD) CAN frame
// can carry.
const MaxDataLength = 8

// Frame is a single CAN datagram: an arbitration id and up to eight
// data bytes, with extended-id and timestamp metadata carried through
// from the transport.
type Frame struct {
	ID        uint32
	Extended  bool
	Data      []byte
	Timestamp time.Time
}

// New builds a Frame, copying data so the caller's slice can be reused.
func New(id uint32, data []byte) Frame {
	buf := make([]byte, len(data))
	copy(buf, data)
	return Frame{ID: id, Data: buf, Timestamp: time.Now()}
}

// Len returns the number of data bytes carried by the frame.
func (f Frame) Len() int {
	return len(f.Data)
}
