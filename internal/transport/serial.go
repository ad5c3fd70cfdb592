package transport

import (
	"bufio"
	"context"
	"fmt"

	"go.bug.st/serial"
)

// SerialTransport talks to the PC-Link over an RS-232 port.
type SerialTransport struct {
	port   serial.Port
	reader *bufio.Reader
}

// OpenSerial opens portName at baud 8N1, asserting DTR/RTS the way a
// USB-CDC PC-Link interface expects on open.
func OpenSerial(portName string, baud int) (*SerialTransport, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("nikobus serial: open %s: %w", portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	return &SerialTransport{port: port, reader: bufio.NewReader(port)}, nil
}

func (s *SerialTransport) Send(ctx context.Context, line string) error {
	_, err := s.port.Write([]byte(line + "\r"))
	if err != nil {
		return fmt.Errorf("nikobus serial: write: %w", err)
	}
	return nil
}

func (s *SerialTransport) ReadLine(ctx context.Context) (string, error) {
	return readLineFrom(s.reader)
}

func (s *SerialTransport) Close() error {
	return s.port.Close()
}
