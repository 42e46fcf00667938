// Package traffic records every device command/response transaction to
// rotating CSV files.
package traffic

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
)

// Logger writes transactions to CSV files with automatic rotation.
type Logger struct {
	mu      sync.Mutex
	dir     string
	maxRows int
	enabled bool

	file   *os.File
	writer *csv.Writer
	rows   int
	seq    int
}

// Config holds traffic log configuration.
type Config struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	MaxRows int    `yaml:"max_rows" json:"maxRows"`
}

const defaultMaxRows = 50_000

var csvHeader = []string{"timestamp", "command", "success", "latency_ms", "response", "error"}

// Entry is one command round trip.
type Entry struct {
	Time     time.Time
	Command  string
	Success  bool
	Latency  time.Duration
	Response string
	Err      error
}

// New creates a new Logger.
func New(cfg Config) *Logger {
	if cfg.Path == "" {
		cfg.Path = "/var/log/faultdash"
	}
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = defaultMaxRows
	}
	return &Logger{
		dir:     cfg.Path,
		maxRows: cfg.MaxRows,
		enabled: cfg.Enabled,
	}
}

// SetEnabled allows toggling logging at runtime.
func (l *Logger) SetEnabled(on bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = on
	if !on {
		l.closeFile()
	}
}

// IsEnabled returns whether logging is active.
func (l *Logger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// Record appends one transaction.
func (l *Logger) Record(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		return
	}

	if l.writer == nil || l.rows >= l.maxRows {
		if err := l.rotateFile(e.Time); err != nil {
			log.Printf("[traffic] rotate failed: %v", err)
			return
		}
	}

	errText := ""
	if e.Err != nil {
		errText = e.Err.Error()
	}
	row := []string{
		e.Time.Format(time.RFC3339Nano),
		e.Command,
		strconv.FormatBool(e.Success),
		strconv.FormatInt(e.Latency.Milliseconds(), 10),
		e.Response,
		errText,
	}
	if err := l.writer.Write(row); err != nil {
		log.Printf("[traffic] write failed: %v", err)
		return
	}
	l.writer.Flush()
	l.rows++
}

// Close flushes and closes the current log file.
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closeFile()
}

func (l *Logger) rotateFile(now time.Time) error {
	l.closeFile()

	if err := os.MkdirAll(l.dir, 0755); err != nil {
		return errors.Wrapf(err, "mkdir %s", l.dir)
	}

	// seq keeps names unique when rotating within the same second
	l.seq++
	filename := fmt.Sprintf("uart_%s_%03d.csv", now.Format("2006-01-02_150405"), l.seq)
	path := filepath.Join(l.dir, filename)

	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "create %s", path)
	}

	l.file = f
	l.writer = csv.NewWriter(f)
	l.rows = 0

	if err := l.writer.Write(csvHeader); err != nil {
		return err
	}
	l.writer.Flush()

	log.Printf("[traffic] opened %s", path)
	return nil
}

func (l *Logger) closeFile() {
	if l.writer != nil {
		l.writer.Flush()
		l.writer = nil
	}
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}

// Channel is a device.Channel that records each Send to a Logger.
type Channel struct {
	device.Channel
	log *Logger
	now func() time.Time
}

// Wrap returns ch with its traffic recorded to l.
func Wrap(ch device.Channel, l *Logger) *Channel {
	return &Channel{Channel: ch, log: l, now: time.Now}
}

// Send forwards to the wrapped link and records the round trip.
func (c *Channel) Send(ctx context.Context, command string) (*device.Response, error) {
	start := c.now()
	resp, err := c.Channel.Send(ctx, command)
	e := Entry{Time: start, Command: command, Latency: c.now().Sub(start), Err: err}
	if resp != nil {
		e.Success = resp.Success
		e.Response = resp.Response
	}
	c.log.Record(e)
	return resp, err
}

// Flush forwards to the wrapped link when it supports flushing.
func (c *Channel) Flush() error {
	if f, ok := c.Channel.(device.Flusher); ok {
		return f.Flush()
	}
	return nil
}

// Stats forwards to the wrapped link when it keeps counters.
func (c *Channel) Stats() device.Stats {
	if s, ok := c.Channel.(device.StatsReporter); ok {
		return s.Stats()
	}
	return device.Stats{}
}
