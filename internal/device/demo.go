package device

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Demo simulates the relay controller's fault memory for development and
// testing. It answers the count, fetch and delete commands, and can be made
// lossy to exercise the retry path.
type Demo struct {
	counters

	mu        sync.Mutex
	rng       *rand.Rand
	records   []string // index 1 at records[0]
	dropRate  float64
	connected bool
}

// DemoConfig holds configuration for the simulated device.
type DemoConfig struct {
	Records  int     `yaml:"records" json:"records"`
	DropRate float64 `yaml:"drop_rate" json:"dropRate"` // 0..1 share of fetches that fail
	Seed     int64   `yaml:"seed" json:"seed"`
}

// NewDemo creates a simulated device holding cfg.Records fault records.
func NewDemo(cfg DemoConfig) *Demo {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	d := &Demo{
		rng:      rand.New(rand.NewSource(seed)),
		dropRate: cfg.DropRate,
	}
	base := time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)
	for i := 0; i < cfg.Records; i++ {
		ts := base.Add(time.Duration(i) * 37 * time.Minute)
		pin := 1 + d.rng.Intn(16)
		d.records = append(d.records, fmt.Sprintf("%02X%02d%02d%02d%02d%02d%02d%03d%02d%03d",
			pin, ts.Year()-2000, int(ts.Month()), ts.Day(), ts.Hour(), ts.Minute(), ts.Second(),
			d.rng.Intn(1000), d.rng.Intn(100), d.rng.Intn(1000)))
	}
	return d
}

// SetRecords replaces the simulated fault memory with raw payloads,
// index 1 first.
func (d *Demo) SetRecords(payloads []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.records = append([]string(nil), payloads...)
}

// Len returns the number of records the device currently holds.
func (d *Demo) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.records)
}

func (d *Demo) Name() string   { return "Demo (Simulated)" }
func (d *Demo) Connect() error { d.mu.Lock(); d.connected = true; d.mu.Unlock(); return nil }
func (d *Demo) Close() error   { d.mu.Lock(); d.connected = false; d.mu.Unlock(); return nil }

func (d *Demo) IsConnected() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.connected
}

// Flush is a no-op; the simulated link never holds stale bytes.
func (d *Demo) Flush() error { return nil }

func (d *Demo) Send(ctx context.Context, command string) (*Response, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil, ErrNotConnected
	}
	d.sent()

	text, drop := d.answer(command)
	if drop {
		// Lost frame: nothing comes back before the deadline.
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
			defer cancel()
		}
		<-ctx.Done()
		d.result(false, true)
		return &Response{Command: command, Timestamp: Timestamp(time.Now())}, ErrTimeout
	}

	d.result(true, false)
	return &Response{
		Command:        command,
		Success:        true,
		Response:       text,
		ResponseLength: len(text),
		Timestamp:      Timestamp(time.Now()),
	}, nil
}

func (d *Demo) answer(command string) (string, bool) {
	switch {
	case command == CmdCount:
		return fmt.Sprintf("A%04d", len(d.records)+1), false

	case command == CmdDeleteAll:
		d.records = nil
		return "OK", false

	case strings.HasSuffix(command, FetchSuffix) && len(command) == 6:
		idx, err := strconv.Atoi(command[:5])
		if err != nil || idx < 1 || idx > len(d.records) {
			return ErrorMarker, false
		}
		if d.dropRate > 0 && d.rng.Float64() < d.dropRate {
			switch d.rng.Intn(3) {
			case 0:
				return "", true
			case 1:
				return ErrorMarker, false
			default:
				return d.records[idx-1][:10], false
			}
		}
		return fmt.Sprintf("%05d:%s", idx, d.records[idx-1]), false

	default:
		return ErrorMarker, false
	}
}
