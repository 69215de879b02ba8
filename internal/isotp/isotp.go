// Package isotp implements ISO 15765-2 (ISO-TP) segmentation and
// reassembly over a frame.Frame transport: splitting a logical message
// into single/first/consecutive frames on send, and reassembling a
// response from the frames a Transport delivers.
package isotp

import (
	"errors"
	"fmt"
	"time"

	"ecusafe/internal/frame"
	"ecusafe/internal/transport"
)

// PCI nibble values (high nibble of the first payload byte).
const (
	pciSingleFrame      = 0x0
	pciFirstFrame       = 0x1
	pciConsecutiveFrame = 0x2
	pciFlowControl      = 0x3

	singleFrameMaxLen  = 7
	firstFramePayload  = 6
	consecutiveFramePayload = 7
)

// ErrProtocolError is returned when an in-progress reassembly observes
// a Consecutive Frame whose sequence nibble doesn't match the expected
// counter. Partial state is dropped; reassembly does not continue.
var ErrProtocolError = errors.New("isotp: protocol error: unexpected frame sequence")

// ErrTimeout bounds total reassembly time for a single response.
var ErrTimeout = errors.New("isotp: timeout waiting for response")

// DefaultRequestID and DefaultResponseID are the conventional
// request/response arbitration ids for a single-ECU session.
const (
	DefaultRequestID  uint32 = 0x7E0
	DefaultResponseID uint32 = 0x7E8
)

// DefaultReassemblyTimeout bounds how long Receive waits for a
// complete response.
const DefaultReassemblyTimeout = 2 * time.Second

// Segmenter sends a logical message as one or more ISO-TP frames, and
// reassembles the frames it reads back into a logical message.
type Segmenter struct {
	Transport  transport.Transport
	RequestID  uint32
	ResponseID uint32
	Timeout    time.Duration
}

// New builds a Segmenter with the conventional request/response ids and
// default reassembly timeout.
func New(t transport.Transport) *Segmenter {
	return &Segmenter{
		Transport:  t,
		RequestID:  DefaultRequestID,
		ResponseID: DefaultResponseID,
		Timeout:    DefaultReassemblyTimeout,
	}
}

// Send segments data and writes it to the transport as Frames, one
// writer at a time per the transport's serialization discipline. Per
// spec, the sender does not wait for a flow-control frame before
// emitting consecutive frames.
func (s *Segmenter) Send(data []byte) error {
	if len(data) <= singleFrameMaxLen {
		payload := make([]byte, 1+len(data))
		payload[0] = byte(pciSingleFrame<<4) | byte(len(data))
		copy(payload[1:], data)
		return s.Transport.SendFrame(frame.New(s.RequestID, payload))
	}

	length := len(data)
	first := make([]byte, 1+1+firstFramePayload)
	first[0] = byte(pciFirstFrame<<4) | byte((length>>8)&0x0F)
	first[1] = byte(length & 0xFF)
	n := copy(first[2:], data)
	if err := s.Transport.SendFrame(frame.New(s.RequestID, first)); err != nil {
		return fmt.Errorf("isotp: send first frame: %w", err)
	}

	remaining := data[n:]
	seq := 1
	for len(remaining) > 0 {
		chunkLen := consecutiveFramePayload
		if chunkLen > len(remaining) {
			chunkLen = len(remaining)
		}
		cf := make([]byte, 1+chunkLen)
		cf[0] = byte(pciConsecutiveFrame<<4) | byte(seq&0x0F)
		copy(cf[1:], remaining[:chunkLen])
		if err := s.Transport.SendFrame(frame.New(s.RequestID, cf)); err != nil {
			return fmt.Errorf("isotp: send consecutive frame %d: %w", seq, err)
		}
		remaining = remaining[chunkLen:]
		seq++
		if seq > 15 {
			seq = 1
		}
	}
	return nil
}

// WaitForFlowControl blocks until a flow-control frame arrives on the
// response id or timeout elapses. Provided for callers that want strict
// ISO-TP pacing; Send does not call it, since peers in scope send
// continuously without waiting for one.
func (s *Segmenter) WaitForFlowControl(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		f, ok, err := s.Transport.ReceiveFrame(time.Until(deadline))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if f.ID != s.ResponseID || f.Len() == 0 {
			continue
		}
		if f.Data[0]>>4 == pciFlowControl {
			return nil
		}
	}
	return ErrTimeout
}

// Receive reads frames from the transport on ResponseID until a
// complete logical message has been reassembled, or Timeout elapses.
// A sequence mismatch on a Consecutive Frame drops the in-progress
// state immediately and returns ErrProtocolError.
func (s *Segmenter) Receive() ([]byte, error) {
	deadline := time.Now().Add(s.Timeout)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		f, ok, err := s.Transport.ReceiveFrame(remaining)
		if err != nil {
			return nil, fmt.Errorf("isotp: receive: %w", err)
		}
		if !ok {
			continue
		}
		if f.ID != s.ResponseID || f.Len() == 0 {
			continue
		}

		pci := f.Data[0] >> 4
		switch pci {
		case pciSingleFrame:
			length := int(f.Data[0] & 0x0F)
			if 1+length > f.Len() {
				continue
			}
			return append([]byte(nil), f.Data[1:1+length]...), nil

		case pciFirstFrame:
			if f.Len() < 2 {
				continue
			}
			length := (int(f.Data[0]&0x0F) << 8) | int(f.Data[1])
			buf := make([]byte, 0, length)
			buf = append(buf, f.Data[2:]...)
			return s.receiveConsecutive(buf, length, deadline)

		default:
			// flow control or stray frame while idle; ignore
			continue
		}
	}
}

func (s *Segmenter) receiveConsecutive(buf []byte, length int, deadline time.Time) ([]byte, error) {
	expectedSeq := 1
	for len(buf) < length {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrTimeout
		}
		f, ok, err := s.Transport.ReceiveFrame(remaining)
		if err != nil {
			return nil, fmt.Errorf("isotp: receive consecutive: %w", err)
		}
		if !ok {
			continue
		}
		if f.ID != s.ResponseID || f.Len() == 0 {
			continue
		}
		pci := f.Data[0] >> 4
		if pci != pciConsecutiveFrame {
			continue
		}
		seq := int(f.Data[0] & 0x0F)
		if seq != (expectedSeq & 0x0F) {
			return nil, ErrProtocolError
		}
		buf = append(buf, f.Data[1:]...)
		expectedSeq++
		if expectedSeq > 15 {
			expectedSeq = 1
		}
	}
	if len(buf) > length {
		buf = buf[:length]
	}
	return buf, nil
}
