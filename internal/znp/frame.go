package znp

import (
	"bufio"
	"errors"
	"fmt"
	"io"
)

// MT frame layout: SOF(1) + len(1) + cmd0(1) + cmd1(1) + data(len) + FCS(1).
const (
	frameSOF        = 0xfe
	frameMaxPayload = 250
)

var (
	errBadFCS         = errors.New("znp: frame check sequence mismatch")
	errPayloadTooLong = errors.New("znp: payload exceeds 250 bytes")
)

// Frame is a decoded MT frame.
type Frame struct {
	Type      MessageType
	Subsystem Subsystem
	Command   uint8
	Data      []byte
}

func (f *Frame) String() string {
	return fmt.Sprintf("%s %s.0x%02X [%X]", f.Type, f.Subsystem, f.Command, f.Data)
}

// Encode returns the wire form of the frame.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Data) > frameMaxPayload {
		return nil, errPayloadTooLong
	}
	buf := make([]byte, 0, len(f.Data)+5)
	buf = append(buf, frameSOF, byte(len(f.Data)), byte(f.Type)|byte(f.Subsystem), f.Command)
	buf = append(buf, f.Data...)
	buf = append(buf, fcs(buf[1:]))
	return buf, nil
}

// fcs is the XOR of length, command and data bytes.
func fcs(b []byte) byte {
	var x byte
	for _, c := range b {
		x ^= c
	}
	return x
}

// readFrame reads the next frame, discarding bytes until a SOF.
func readFrame(r *bufio.Reader) (*Frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == frameSOF {
			break
		}
	}

	var hdr [3]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := int(hdr[0])
	rest := make([]byte, n+1)
	if _, err := io.ReadFull(r, rest); err != nil {
		return nil, err
	}

	want := fcs(hdr[:]) ^ fcs(rest[:n])
	if rest[n] != want {
		return nil, fmt.Errorf("%w: got 0x%02X, want 0x%02X", errBadFCS, rest[n], want)
	}
	return &Frame{
		Type:      MessageType(hdr[1] & 0xe0),
		Subsystem: Subsystem(hdr[1] & 0x1f),
		Command:   hdr[2],
		Data:      rest[:n],
	}, nil
}
