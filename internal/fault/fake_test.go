package fault

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/mock"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
)

type reply struct {
	text string
	err  error
}

// scriptChannel answers each command from a per-command queue. The last
// reply of a queue repeats; a command without a script times out.
type scriptChannel struct {
	mu      sync.Mutex
	script  map[string][]reply
	sent    []string
	flushes int
	onSend  func(cmd string)
}

func newScript() *scriptChannel {
	return &scriptChannel{script: map[string][]reply{}}
}

func (s *scriptChannel) on(cmd string, replies ...reply) *scriptChannel {
	s.script[cmd] = replies
	return s
}

func (s *scriptChannel) Name() string      { return "script" }
func (s *scriptChannel) Connect() error    { return nil }
func (s *scriptChannel) Close() error      { return nil }
func (s *scriptChannel) IsConnected() bool { return true }

func (s *scriptChannel) Flush() error {
	s.mu.Lock()
	s.flushes++
	s.mu.Unlock()
	return nil
}

func (s *scriptChannel) Send(_ context.Context, cmd string) (*device.Response, error) {
	s.mu.Lock()
	s.sent = append(s.sent, cmd)
	hook := s.onSend
	r := reply{err: device.ErrTimeout}
	if q := s.script[cmd]; len(q) > 0 {
		r = q[0]
		if len(q) > 1 {
			s.script[cmd] = q[1:]
		}
	}
	s.mu.Unlock()

	if hook != nil {
		hook(cmd)
	}
	if r.err != nil {
		return nil, r.err
	}
	return &device.Response{Command: cmd, Success: true, Response: r.text, ResponseLength: len(r.text)}, nil
}

func (s *scriptChannel) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *scriptChannel) count(cmd string) int {
	n := 0
	for _, c := range s.commands() {
		if c == cmd {
			n++
		}
	}
	return n
}

// frame builds a valid fetch reply for index idx on the given pin code.
func frame(idx, pin int) string {
	return fmt.Sprintf("%05d:%02X2401150930%02d12305200", idx, pin, idx%60)
}

// seeded returns a script holding n valid records.
func seeded(n int) *scriptChannel {
	s := newScript().on(device.CmdCount, reply{text: fmt.Sprintf("A%04d", n+1)})
	for i := 1; i <= n; i++ {
		s.on(device.FetchCommand(i), reply{text: frame(i, 1+i%16)})
	}
	return s
}

// mockChannel is a testify mock of device.Channel.
type mockChannel struct {
	mock.Mock
}

func (m *mockChannel) Name() string      { return "mock" }
func (m *mockChannel) Connect() error    { return nil }
func (m *mockChannel) Close() error      { return nil }
func (m *mockChannel) IsConnected() bool { return true }

func (m *mockChannel) Send(ctx context.Context, cmd string) (*device.Response, error) {
	args := m.Called(ctx, cmd)
	resp, _ := args.Get(0).(*device.Response)
	return resp, args.Error(1)
}

func ok(text string) *device.Response {
	return &device.Response{Success: true, Response: text, ResponseLength: len(text)}
}

func ctxT(t testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
