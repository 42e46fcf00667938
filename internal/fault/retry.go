package fault

import "time"

// attemptState is the per-record fetch state: Idle → Attempting(n) →
// Succeeded | Exhausted.
type attemptState int

const (
	stateIdle attemptState = iota
	stateAttempting
	stateSucceeded
	stateExhausted
)

func (s attemptState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateAttempting:
		return "attempting"
	case stateSucceeded:
		return "succeeded"
	case stateExhausted:
		return "exhausted"
	}
	return "invalid"
}

// retryPolicy bounds the attempts for one record index.
type retryPolicy struct {
	maxAttempts int
	unit        time.Duration
}

// delay is the wait before attempt n (1-based). The first attempt goes out
// immediately; attempt n>1 waits n×unit.
func (p retryPolicy) delay(n int) time.Duration {
	if n <= 1 {
		return 0
	}
	return time.Duration(n) * p.unit
}

// attempt tracks one index through the retry states.
type attempt struct {
	policy retryPolicy
	state  attemptState
	n      int
	err    error
}

func newAttempt(p retryPolicy) *attempt {
	return &attempt{policy: p}
}

// next moves to the following attempt. It reports false once the
// machine is terminal.
func (a *attempt) next() bool {
	switch a.state {
	case stateIdle:
		a.state = stateAttempting
		a.n = 1
		return true
	case stateAttempting:
		if a.n >= a.policy.maxAttempts {
			a.state = stateExhausted
			return false
		}
		a.n++
		return true
	}
	return false
}

// succeed marks the current attempt as successful.
func (a *attempt) succeed() {
	a.state = stateSucceeded
	a.err = nil
}

// fail records the reason the current attempt failed. If it was the last
// one the machine becomes Exhausted.
func (a *attempt) fail(err error) {
	a.err = err
	if a.n >= a.policy.maxAttempts {
		a.state = stateExhausted
	}
}

// wait returns the delay before the current attempt.
func (a *attempt) wait() time.Duration {
	return a.policy.delay(a.n)
}
