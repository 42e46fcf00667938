package device

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Channel is the interface that all device links must implement.
// Exactly one request is in flight at a time; implementations serialize
// concurrent callers.
type Channel interface {
	// Name returns the human-readable name of this link.
	Name() string
	// Connect opens the link and verifies it is usable.
	Connect() error
	// Close cleanly shuts down the link.
	Close() error
	// IsConnected returns whether the link is open.
	IsConnected() bool

	// Send writes one text command and waits for one text response.
	// The deadline of ctx bounds the wait; a request that runs into it
	// returns ErrTimeout.
	Send(ctx context.Context, command string) (*Response, error)
}

// Flusher is implemented by links that can discard stale input between
// requests (e.g. a UART receive buffer).
type Flusher interface {
	Flush() error
}

// StatsReporter is implemented by links that keep traffic counters.
type StatsReporter interface {
	Stats() Stats
}

// Response is the result of one command round trip. Field names and JSON
// tags match the panel's /api/uart/send payload.
type Response struct {
	Command        string `json:"command"`
	Success        bool   `json:"success"`
	Response       string `json:"response"`
	ResponseLength int    `json:"responseLength"`
	Timestamp      string `json:"timestamp"`
}

// Fixed device commands.
const (
	CmdCount     = "AN" // total fault count (+1 sentinel)
	CmdDeleteAll = "tT" // erase the device fault memory
	FetchSuffix  = "v"  // appended to the 5-digit record index

	// ErrorMarker is the bare response the device sends for a rejected command.
	ErrorMarker = "E"

	// DefaultTimeout is the per-request deadline used by callers that do
	// not impose their own.
	DefaultTimeout = 3000 * time.Millisecond

	// MaxCommandLength mirrors the firmware limit for passthrough commands.
	MaxCommandLength = 100
)

// FetchCommand builds the fetch command for one record index: "00042v".
func FetchCommand(index int) string {
	return fmt.Sprintf("%05d%s", index, FetchSuffix)
}

// ErrTimeout is returned when no response arrives before the deadline.
var ErrTimeout = errors.New("device: response timeout")

// ErrNotConnected is returned by Send on a closed link.
var ErrNotConnected = errors.New("device: not connected")

// Stats holds link traffic counters.
type Stats struct {
	Sent        uint64  `json:"txCount"`
	Received    uint64  `json:"rxCount"`
	Timeouts    uint64  `json:"timeouts"`
	Errors      uint64  `json:"errors"`
	SuccessRate float64 `json:"successRate"`
}

// counters is embedded by links to implement StatsReporter.
type counters struct {
	mu sync.Mutex
	s  Stats
}

func (c *counters) sent() {
	c.mu.Lock()
	c.s.Sent++
	c.mu.Unlock()
}

func (c *counters) result(ok bool, timedOut bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case ok:
		c.s.Received++
	case timedOut:
		c.s.Timeouts++
	default:
		c.s.Errors++
	}
	if c.s.Sent > 0 {
		c.s.SuccessRate = float64(c.s.Received) / float64(c.s.Sent) * 100
	}
}

// Stats returns a snapshot of the link counters.
func (c *counters) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.s
}

// Timestamp formats the moment a response was captured.
func Timestamp(t time.Time) string {
	return t.Format("2006-01-02 15:04:05")
}
