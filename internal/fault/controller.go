package fault

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
)

// Options tunes the retrieval loop.
type Options struct {
	MaxAttempts     int           // attempts per record index
	AttemptUnit     time.Duration // attempt n>1 waits n×AttemptUnit
	Pacing          time.Duration // pause after every decoded record
	FailureStreak   int           // consecutive exhausted indices tolerated before backing off
	RecoveryBackoff time.Duration // wait once the streak is exceeded
	RequestTimeout  time.Duration // deadline for a single command
}

// DefaultOptions matches the pacing the relay controller tolerates.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:     3,
		AttemptUnit:     100 * time.Millisecond,
		Pacing:          100 * time.Millisecond,
		FailureStreak:   3,
		RecoveryBackoff: 500 * time.Millisecond,
		RequestTimeout:  device.DefaultTimeout,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.FailureStreak <= 0 {
		o.FailureStreak = d.FailureStreak
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = d.RequestTimeout
	}
	return o
}

// RunOptions narrows a single run.
type RunOptions struct {
	// Limit fetches only the newest Limit records when > 0.
	Limit int `json:"limit"`
}

// RecordFunc receives each record as soon as it is decoded.
type RecordFunc func(Record)

// Outcome describes how a run ended.
type Outcome int

const (
	OutcomeCompleted Outcome = iota
	OutcomeCancelled
	OutcomeEmpty
)

func (o Outcome) String() string {
	switch o {
	case OutcomeCompleted:
		return "completed"
	case OutcomeCancelled:
		return "cancelled"
	case OutcomeEmpty:
		return "empty"
	}
	return "unknown"
}

func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

func (o *Outcome) UnmarshalText(b []byte) error {
	for _, v := range []Outcome{OutcomeCompleted, OutcomeCancelled, OutcomeEmpty} {
		if v.String() == string(b) {
			*o = v
			return nil
		}
	}
	return fmt.Errorf("fault: unknown outcome %q", b)
}

// Summary is reported once per run, however it ended.
type Summary struct {
	RunID         string        `json:"runId"`
	Outcome       Outcome       `json:"outcome"`
	Total         int           `json:"total"`
	Requested     int           `json:"requested"`
	Succeeded     int           `json:"succeeded"`
	Failed        int           `json:"failed"`
	FailedIndices []int         `json:"failedIndices"`
	StartedAt     time.Time     `json:"startedAt"`
	Elapsed       time.Duration `json:"-"`
	ElapsedMs     int64         `json:"elapsedMs"`
}

// Status is a progress snapshot.
type Status struct {
	Active    bool     `json:"active"`
	Paused    bool     `json:"paused"`
	RunID     string   `json:"runId,omitempty"`
	Total     int      `json:"total"`
	Requested int      `json:"requested"`
	Current   int      `json:"current"`
	Done      int      `json:"done"`
	Succeeded int      `json:"succeeded"`
	Failed    int      `json:"failed"`
	Attempt   int      `json:"attempt"`
	Last      *Summary `json:"last,omitempty"`
}

// session is the mutable state of one run. Only the Controller touches it,
// always under Controller.mu.
type session struct {
	runID   string
	started time.Time
	opts    RunOptions

	total int
	floor int
	next  int

	accumulated         []Record
	failed              []int
	consecutiveFailures int
	attempt             int
	probed              bool

	paused    bool
	cancelled bool
	resume    chan struct{} // closed when a pause ends
	cancel    chan struct{} // closed on Cancel
}

// Controller drives retrieval runs against one device link. At most one
// run is active at a time.
type Controller struct {
	ch   device.Channel
	opts Options

	mu   sync.Mutex
	sess *session
	last []Record
	sum  *Summary
}

// NewController creates a controller for ch.
func NewController(ch device.Channel, opts Options) *Controller {
	return &Controller{ch: ch, opts: opts.withDefaults()}
}

// Run performs one retrieval run and blocks until it ends.
func (c *Controller) Run(ctx context.Context, ro RunOptions, fn RecordFunc) (Summary, error) {
	s, err := c.begin(ro)
	if err != nil {
		return Summary{}, err
	}
	return c.execute(ctx, s, fn), nil
}

// Start launches a run on its own goroutine and returns its id. done, if
// non-nil, receives the summary when the run ends.
func (c *Controller) Start(ctx context.Context, ro RunOptions, fn RecordFunc, done func(Summary)) (string, error) {
	s, err := c.begin(ro)
	if err != nil {
		return "", err
	}
	go func() {
		sum := c.execute(ctx, s, fn)
		if done != nil {
			done(sum)
		}
	}()
	return s.runID, nil
}

// Pause halts command issuance after the in-flight record.
func (c *Controller) Pause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ErrNoActiveRun
	}
	if !c.sess.paused && !c.sess.cancelled {
		c.sess.paused = true
		c.sess.resume = make(chan struct{})
		log.Printf("[fault] run %s paused at index %d", c.sess.runID, c.sess.next)
	}
	return nil
}

// Resume continues a paused run.
func (c *Controller) Resume() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ErrNoActiveRun
	}
	if c.sess.paused {
		c.sess.paused = false
		close(c.sess.resume)
		log.Printf("[fault] run %s resumed", c.sess.runID)
	}
	return nil
}

// Cancel stops the run at the next iteration boundary. Records already
// fetched are kept.
func (c *Controller) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return ErrNoActiveRun
	}
	if !c.sess.cancelled {
		c.sess.cancelled = true
		close(c.sess.cancel)
		if c.sess.paused {
			c.sess.paused = false
			close(c.sess.resume)
		}
		log.Printf("[fault] run %s cancel requested", c.sess.runID)
	}
	return nil
}

// Active reports whether a run is in progress.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Status returns a progress snapshot.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{Last: c.sum}
	if s := c.sess; s != nil {
		st.Active = true
		st.Paused = s.paused
		st.RunID = s.runID
		st.Total = s.total
		st.Succeeded = len(s.accumulated)
		st.Failed = len(s.failed)
		st.Attempt = s.attempt
		if s.probed && s.total > 0 {
			st.Requested = s.total - s.floor + 1
			st.Current = s.next
			st.Done = s.total - s.next
		}
	}
	return st
}

// Records returns a copy of the active run's records, or the last run's
// when idle. Order is fetch order: descending device index.
func (c *Controller) Records() []Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	src := c.last
	if c.sess != nil {
		src = c.sess.accumulated
	}
	return append([]Record(nil), src...)
}

// Reset drops the retained records of the last run.
func (c *Controller) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return ErrRunActive
	}
	c.last = nil
	c.sum = nil
	return nil
}

func (c *Controller) begin(ro RunOptions) (*session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return nil, ErrRunActive
	}
	c.sess = &session{
		runID:   uuid.NewString(),
		started: time.Now(),
		opts:    ro,
		cancel:  make(chan struct{}),
	}
	return c.sess, nil
}

func (c *Controller) execute(ctx context.Context, s *session, fn RecordFunc) Summary {
	outcome := c.loop(ctx, s, fn)

	c.mu.Lock()
	sum := Summary{
		RunID:         s.runID,
		Outcome:       outcome,
		Total:         s.total,
		Succeeded:     len(s.accumulated),
		Failed:        len(s.failed),
		FailedIndices: append([]int(nil), s.failed...),
		StartedAt:     s.started,
		Elapsed:       time.Since(s.started),
	}
	if s.total > 0 {
		sum.Requested = s.total - s.floor + 1
	}
	sum.ElapsedMs = sum.Elapsed.Milliseconds()
	c.last = s.accumulated
	c.sum = &sum
	c.sess = nil
	c.mu.Unlock()

	log.Printf("[fault] run %s %s: %d/%d records in %v, %d failed",
		sum.RunID, sum.Outcome, sum.Succeeded, sum.Requested, sum.Elapsed.Round(time.Millisecond), sum.Failed)
	return sum
}

func (c *Controller) loop(ctx context.Context, s *session, fn RecordFunc) Outcome {
	total := ProbeCount(ctx, c.ch, c.opts.RequestTimeout)

	c.mu.Lock()
	s.total = total
	s.next = total
	s.floor = 1
	if s.opts.Limit > 0 && s.opts.Limit < total {
		s.floor = total - s.opts.Limit + 1
	}
	s.probed = true
	c.mu.Unlock()

	if total == 0 {
		log.Printf("[fault] run %s: no fault records on device", s.runID)
		return OutcomeEmpty
	}
	log.Printf("[fault] run %s: fetching indices %d..%d", s.runID, total, s.floor)

	for {
		c.mu.Lock()
		idx := s.next
		cancelled := s.cancelled
		c.mu.Unlock()

		if idx < s.floor {
			return OutcomeCompleted
		}
		if cancelled || ctx.Err() != nil {
			return OutcomeCancelled
		}
		if !c.waitWhilePaused(ctx, s) {
			return OutcomeCancelled
		}

		rec, err := c.fetch(ctx, s, idx)

		c.mu.Lock()
		if err == nil {
			s.consecutiveFailures = 0
			s.accumulated = append(s.accumulated, rec)
		} else {
			s.consecutiveFailures++
			s.failed = append(s.failed, idx)
		}
		streak := s.consecutiveFailures
		c.mu.Unlock()

		if err == nil {
			if fn != nil {
				fn(rec)
			}
			sleep(ctx, c.opts.Pacing)
		} else {
			log.Printf("[fault] record %d skipped: %v", idx, err)
			if streak > c.opts.FailureStreak {
				sleep(ctx, c.opts.RecoveryBackoff)
			}
		}

		c.mu.Lock()
		s.next--
		c.mu.Unlock()
	}
}

// waitWhilePaused blocks while the run is paused. It reports false if the
// run was cancelled meanwhile.
func (c *Controller) waitWhilePaused(ctx context.Context, s *session) bool {
	for {
		c.mu.Lock()
		if s.cancelled {
			c.mu.Unlock()
			return false
		}
		if !s.paused {
			c.mu.Unlock()
			return true
		}
		resume := s.resume
		c.mu.Unlock()

		select {
		case <-resume:
		case <-s.cancel:
		case <-ctx.Done():
			return false
		}
	}
}

// fetch runs the retry machine for one index.
func (c *Controller) fetch(ctx context.Context, s *session, idx int) (Record, error) {
	cmd := device.FetchCommand(idx)
	a := newAttempt(retryPolicy{maxAttempts: c.opts.MaxAttempts, unit: c.opts.AttemptUnit})

	for a.next() {
		if d := a.wait(); d > 0 {
			if f, ok := c.ch.(device.Flusher); ok {
				f.Flush()
			}
			sleep(ctx, d)
		}
		c.mu.Lock()
		s.attempt = a.n
		c.mu.Unlock()

		rec, err := c.try(ctx, cmd)
		if err == nil {
			a.succeed()
			rec.DeviceIndex = idx
			return rec, nil
		}
		a.fail(err)
		log.Printf("[fault] record %d attempt %d/%d: %v", idx, a.n, c.opts.MaxAttempts, err)
		if ctx.Err() != nil {
			break
		}
	}
	return Record{}, fmt.Errorf("%w: index %d: %v", ErrRecordExhausted, idx, a.err)
}

// try issues one command with the request deadline and decodes the reply.
func (c *Controller) try(ctx context.Context, cmd string) (Record, error) {
	rctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	resp, err := c.ch.Send(rctx, cmd)
	if err != nil {
		if errors.Is(err, device.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
			return Record{}, ErrTimeout
		}
		return Record{}, err
	}
	if resp == nil || !resp.Success {
		return Record{}, ErrTimeout
	}
	text := strings.TrimSpace(resp.Response)
	if IsDeviceError(text) {
		return Record{}, fmt.Errorf("%w: %q", ErrDeviceError, text)
	}
	return Decode(text)
}

// IsDeviceError reports whether a reply is the device's error marker or
// carries an error keyword.
func IsDeviceError(text string) bool {
	return text == device.ErrorMarker || strings.Contains(text, "ERROR")
}

// sleep waits for d or until ctx is done. Cancel does not shorten pacing
// or backoff waits; it is observed at the next iteration boundary.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
