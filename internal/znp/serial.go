package znp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	srspTimeout = 6 * time.Second
	// skipBootloaderByte makes the CC2652/CC1352 serial bootloader jump to
	// the application.
	skipBootloaderByte = 0xef
)

// Serial is a Transport over a UART or USB CDC serial port.
type Serial struct {
	port     serial.Port
	portName string
	reader   *bufio.Reader
	logger   *slog.Logger

	writeMu sync.Mutex

	// Only one SREQ may be in flight; the SRSP carries no sequence number.
	reqMu     sync.Mutex
	pendingMu sync.Mutex
	pending   *pendingRequest

	waiters Waiters

	lifecycleMu sync.Mutex
	done        chan struct{}
	closeOnce   sync.Once
	closed      bool
	wg          sync.WaitGroup
}

type pendingRequest struct {
	subsystem Subsystem
	command   uint8
	ch        chan *Frame
}

// SerialOption configures a Serial transport.
type SerialOption func(*serialOptions)

type serialOptions struct {
	skipBootloader bool
}

// WithSkipBootloader sends the bootloader skip byte after opening.
func WithSkipBootloader() SerialOption {
	return func(o *serialOptions) { o.skipBootloader = true }
}

// OpenSerial opens portName and starts the read loop.
func OpenSerial(portName string, baudRate int, logger *slog.Logger, opts ...SerialOption) (*Serial, error) {
	var o serialOptions
	for _, opt := range opts {
		opt(&o)
	}
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("znp: open %s: %w", portName, err)
	}

	// DTR/RTS drive reset and bootloader lines on most CC26xx boards.
	_ = port.SetDTR(false)
	_ = port.SetRTS(false)

	s := &Serial{
		port:     port,
		portName: portName,
		reader:   bufio.NewReader(port),
		logger:   logger.With("component", "znp", "port", portName),
		done:     make(chan struct{}),
	}
	s.wg.Add(1)
	go s.readLoop()

	if o.skipBootloader {
		if err := s.write([]byte{skipBootloaderByte}); err != nil {
			s.Close()
			return nil, fmt.Errorf("znp: skip bootloader: %w", err)
		}
		time.Sleep(time.Second)
	}
	return s, nil
}

func (s *Serial) write(b []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if _, err := s.port.Write(b); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

func (s *Serial) send(f *Frame) error {
	raw, err := f.Encode()
	if err != nil {
		return err
	}
	s.logger.Debug("znp TX", "frame", f.String())
	return s.write(raw)
}

// Request implements Transport.
func (s *Serial) Request(ctx context.Context, sub Subsystem, cmd uint8, payload []byte) ([]byte, error) {
	s.reqMu.Lock()
	defer s.reqMu.Unlock()

	select {
	case <-s.done:
		return nil, ErrClosed
	default:
	}

	p := &pendingRequest{subsystem: sub, command: cmd, ch: make(chan *Frame, 1)}
	s.pendingMu.Lock()
	s.pending = p
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		s.pending = nil
		s.pendingMu.Unlock()
	}()

	if err := s.send(&Frame{Type: TypeSREQ, Subsystem: sub, Command: cmd, Data: payload}); err != nil {
		return nil, fmt.Errorf("znp %s.0x%02X: %w", sub, cmd, err)
	}

	timer := time.NewTimer(srspTimeout)
	defer timer.Stop()
	select {
	case rsp := <-p.ch:
		if rsp.Subsystem == SubsystemRPCError {
			return nil, fmt.Errorf("znp %s.0x%02X: rejected by device (rpc error %X)", sub, cmd, rsp.Data)
		}
		return rsp.Data, nil
	case <-timer.C:
		s.logger.Warn("znp SRSP timeout", "subsystem", sub.String(), "cmd", fmt.Sprintf("0x%02X", cmd))
		return nil, fmt.Errorf("%w: %s.0x%02X", ErrTimeout, sub, cmd)
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, ErrClosed
	}
}

// Post implements Transport.
func (s *Serial) Post(ctx context.Context, sub Subsystem, cmd uint8, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	return s.send(&Frame{Type: TypeAREQ, Subsystem: sub, Command: cmd, Data: payload})
}

// WaitFor implements Transport.
func (s *Serial) WaitFor(sub Subsystem, cmd uint8, match func([]byte) bool, timeout time.Duration) *Waiter {
	return s.waiters.Add(sub, cmd, match, timeout)
}

func (s *Serial) readLoop() {
	defer s.wg.Done()

	backoff := 10 * time.Millisecond
	const maxBackoff = 5 * time.Second

	for {
		select {
		case <-s.done:
			return
		default:
		}

		f, err := readFrame(s.reader)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			if errors.Is(err, errBadFCS) {
				s.logger.Warn("znp frame dropped", "err", err)
				continue
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				s.logger.Error("znp read error", "err", err)
			}
			select {
			case <-time.After(backoff):
			case <-s.done:
				return
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = 10 * time.Millisecond

		s.logger.Debug("znp RX", "frame", f.String())
		s.dispatch(f)
	}
}

func (s *Serial) dispatch(f *Frame) {
	switch f.Type {
	case TypeSRSP:
		s.pendingMu.Lock()
		p := s.pending
		s.pendingMu.Unlock()
		if p != nil && (f.Subsystem == SubsystemRPCError || p.subsystem == f.Subsystem && p.command == f.Command) {
			select {
			case p.ch <- f:
			default:
			}
			return
		}
		s.logger.Warn("znp orphaned SRSP", "frame", f.String())
	case TypeAREQ:
		if !s.waiters.Dispatch(f.Subsystem, f.Command, f.Data) {
			s.logger.Debug("znp unhandled indication", "frame", f.String())
		}
	default:
		s.logger.Debug("znp unexpected frame", "frame", f.String())
	}
}

// Close stops the read loop and closes the port.
func (s *Serial) Close() error {
	s.lifecycleMu.Lock()
	if s.closed {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.closed = true
	s.closeOnce.Do(func() { close(s.done) })
	err := s.port.Close()
	s.lifecycleMu.Unlock()

	s.wg.Wait()
	return err
}
