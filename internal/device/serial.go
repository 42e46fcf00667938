package device

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.bug.st/serial"
)

// port is the subset of serial.Port the link uses.
type port interface {
	io.ReadWriteCloser
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
}

// Serial implements Channel over the UART that connects the panel to the
// protection relay controller (dsPIC). The controller answers every
// command with one line of printable ASCII terminated by CR and/or LF.
type Serial struct {
	counters

	portPath  string
	baudRate  int
	port      port
	mu        sync.Mutex
	connected bool

	open func(path string, mode *serial.Mode) (port, error)
}

// SerialConfig holds connection configuration for the UART link.
type SerialConfig struct {
	PortPath string `yaml:"port_path" json:"portPath"`
	BaudRate int    `yaml:"baud_rate" json:"baudRate"`
}

// DefaultBaudRate is the relay controller's UART speed.
const DefaultBaudRate = 250000

const (
	maxResponseLength = 512
	readPoll          = 20 * time.Millisecond  // per-Read timeout while waiting for a line
	lineSettle        = 5                      // empty polls after data before a line is considered done
	drainSilence      = 50 * time.Millisecond  // silence threshold for drain loop
	drainTimeout      = 500 * time.Millisecond // max time to spend draining
	postOpenDelay     = 200 * time.Millisecond
)

// NewSerial creates a new UART link.
func NewSerial(cfg SerialConfig) *Serial {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = DefaultBaudRate
	}
	return &Serial{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		open: func(path string, mode *serial.Mode) (port, error) {
			return serial.Open(path, mode)
		},
	}
}

func (s *Serial) Name() string { return "UART " + s.portPath }

// Connect opens the serial port and drains any boot output from the
// controller.
func (s *Serial) Connect() error {
	mode := &serial.Mode{
		BaudRate: s.baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := s.open(s.portPath, mode)
	if err != nil {
		return errors.Wrapf(err, "serial: failed to open %s", s.portPath)
	}
	if err := p.SetReadTimeout(readPoll); err != nil {
		p.Close()
		return errors.Wrap(err, "serial: failed to set timeout")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.port = p

	time.Sleep(postOpenDelay)
	s.drain("open")

	s.connected = true
	log.Printf("[serial] connected to %s at %d baud", s.portPath, s.baudRate)
	return nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connected = false
	if s.port != nil {
		err := s.port.Close()
		s.port = nil
		return err
	}
	return nil
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// Flush discards anything waiting in the receive buffer.
func (s *Serial) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return ErrNotConnected
	}
	s.drain("flush")
	return nil
}

// Send writes the command and reads one response line.
func (s *Serial) Send(ctx context.Context, command string) (*Response, error) {
	if command == "" || len(command) > MaxCommandLength {
		return nil, errors.Errorf("serial: invalid command length %d", len(command))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.connected || s.port == nil {
		return nil, ErrNotConnected
	}

	s.port.ResetInputBuffer()
	if _, err := s.port.Write([]byte(command)); err != nil {
		s.result(false, false)
		return nil, errors.Wrap(err, "serial: write failed")
	}
	s.sent()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}

	line, err := s.readLine(ctx, deadline)
	if err != nil {
		s.result(false, errors.Is(err, ErrTimeout))
		return &Response{Command: command, Timestamp: Timestamp(time.Now())}, err
	}
	s.result(true, false)
	return &Response{
		Command:        command,
		Success:        true,
		Response:       line,
		ResponseLength: len(line),
		Timestamp:      Timestamp(time.Now()),
	}, nil
}

// readLine collects bytes until CR/LF, a short silence after data, the
// length cap, or the deadline. Partial data at the deadline is returned
// as the response.
func (s *Serial) readLine(ctx context.Context, deadline time.Time) (string, error) {
	resp := make([]byte, 0, 64)
	buf := make([]byte, 32)
	empty := 0

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		n, err := s.port.Read(buf)
		if err != nil && n == 0 {
			return "", errors.Wrap(err, "serial: read failed")
		}
		if n == 0 {
			if len(resp) > 0 {
				empty++
				if empty > lineSettle {
					return string(resp), nil
				}
			}
			continue
		}
		empty = 0
		for _, c := range buf[:n] {
			switch {
			case c == '\n' || c == '\r':
				if len(resp) > 0 {
					return string(resp), nil
				}
			case c >= 32 && c <= 126:
				resp = append(resp, c)
				if len(resp) >= maxResponseLength-1 {
					return string(resp), nil
				}
			}
		}
	}

	if len(resp) > 0 {
		return string(resp), nil
	}
	return "", ErrTimeout
}

// drain reads and discards pending data until the line is silent for
// drainSilence or drainTimeout has elapsed.
func (s *Serial) drain(label string) {
	s.port.ResetInputBuffer()

	s.port.SetReadTimeout(drainSilence)
	defer s.port.SetReadTimeout(readPoll)

	total := 0
	deadline := time.Now().Add(drainTimeout)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		n, _ := s.port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		log.Printf("[serial] drain(%s) cleared %d bytes", label, total)
	}
}
