package console

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"go.bug.st/serial"
)

// Port is the serial channel to the radio's console.
//
// Read must return (0, nil) when the read timeout elapses without data, the
// way go.bug.st/serial ports behave.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// ResetLine is implemented by ports whose modem-control outputs are wired to
// the radio's reset input (the usual NodeMCU dev-board arrangement).
type ResetLine interface {
	SetRTS(rts bool) error
	SetDTR(dtr bool) error
}

// inputResetter is implemented by ports that can discard buffered input.
type inputResetter interface {
	ResetInputBuffer() error
}

// ResetMode selects which modem-control line pulses the radio's reset input.
type ResetMode string

const (
	ResetRTS  ResetMode = "rts"
	ResetDTR  ResetMode = "dtr"
	ResetNone ResetMode = "none"
)

// Dialer opens the Port a Session runs over.
type Dialer interface {
	Dial(ctx context.Context) (Port, error)
}

// SerialDialer opens the radio's UART with go.bug.st/serial, 8N1.
type SerialDialer struct {
	PortName string
	BaudRate int
}

// Dial opens the serial port. The radio's console runs at 9600 baud unless
// BaudRate says otherwise.
func (d SerialDialer) Dial(ctx context.Context) (Port, error) {
	if ctx == nil {
		return nil, errors.New("console: context is nil")
	}
	if d.PortName == "" {
		return nil, errors.New("console: serial port name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	baud := d.BaudRate
	if baud == 0 {
		baud = 9600
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(d.PortName, mode)
	if err != nil {
		return nil, fmt.Errorf("console: failed to open %s: %w", d.PortName, err)
	}
	log.Printf("[console] opened %s at %d baud", d.PortName, baud)
	return port, nil
}
