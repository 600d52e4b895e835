// Package znp speaks the Z-Stack Monitor and Test (MT) protocol used by
// Texas Instruments Zigbee network processors.
package znp

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrTimeout is returned when a response or indication does not arrive
	// in time.
	ErrTimeout = errors.New("znp: timeout")
	// ErrClosed is returned by operations on a closed transport.
	ErrClosed = errors.New("znp: transport closed")
	// ErrShortResponse is returned for responses missing mandatory fields.
	ErrShortResponse = errors.New("znp: response too short")
)

// Transport carries MT requests to the network processor.
type Transport interface {
	// Request sends a synchronous request (SREQ) and returns the payload of
	// the matching synchronous response (SRSP).
	Request(ctx context.Context, sub Subsystem, cmd uint8, payload []byte) ([]byte, error)
	// Post sends an asynchronous request (AREQ). No response is awaited.
	Post(ctx context.Context, sub Subsystem, cmd uint8, payload []byte) error
	// WaitFor registers interest in an asynchronous indication before the
	// request that triggers it is sent.
	WaitFor(sub Subsystem, cmd uint8, match func(payload []byte) bool, timeout time.Duration) *Waiter
}

// StatusError is a protocol-level failure reported by the device.
type StatusError struct {
	Subsystem Subsystem
	Command   string
	Status    Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("znp %s.%s: %s (0x%02X)", e.Subsystem, e.Command, e.Status, uint8(e.Status))
}

// IsStatus reports whether err carries the given device status.
func IsStatus(err error, s Status) bool {
	var se *StatusError
	return errors.As(err, &se) && se.Status == s
}
