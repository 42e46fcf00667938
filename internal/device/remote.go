package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Remote implements Channel on top of another panel's REST command bridge
// (POST /api/uart/send, form field "command").
type Remote struct {
	counters

	baseURL string
	token   string
	client  *http.Client

	mu        sync.Mutex
	connected bool
}

// RemoteConfig holds configuration for the REST bridge link.
type RemoteConfig struct {
	URL   string `yaml:"url" json:"url"`
	Token string `yaml:"token" json:"token"`
}

// NewRemote creates a new REST bridge link.
func NewRemote(cfg RemoteConfig) *Remote {
	return &Remote{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{},
	}
}

func (r *Remote) Name() string { return "Remote " + r.baseURL }

// Connect validates the configured URL. The bridge is stateless, so there
// is nothing to open.
func (r *Remote) Connect() error {
	u, err := url.Parse(r.baseURL)
	if err != nil {
		return errors.Wrapf(err, "remote: invalid url %q", r.baseURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("remote: unsupported scheme %q", u.Scheme)
	}
	r.mu.Lock()
	r.connected = true
	r.mu.Unlock()
	return nil
}

func (r *Remote) Close() error {
	r.mu.Lock()
	r.connected = false
	r.mu.Unlock()
	return nil
}

func (r *Remote) IsConnected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// Send posts the command and decodes the bridge response. A bridge reply
// with success=false is returned with ErrTimeout, which is how the panel
// reports an unanswered command.
func (r *Remote) Send(ctx context.Context, command string) (*Response, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.connected {
		return nil, ErrNotConnected
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultTimeout)
		defer cancel()
	}

	form := url.Values{}
	form.Set("command", command)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/api/uart/send", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, errors.Wrap(err, "remote: build request")
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	r.sent()
	resp, err := r.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			r.result(false, true)
			return nil, ErrTimeout
		}
		r.result(false, false)
		return nil, errors.Wrap(err, "remote: request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		r.result(false, false)
		return nil, errors.Errorf("remote: unexpected status %d", resp.StatusCode)
	}

	var out Response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		r.result(false, false)
		return nil, errors.Wrap(err, "remote: decode response")
	}
	if out.Command == "" {
		out.Command = command
	}
	if out.Timestamp == "" {
		out.Timestamp = Timestamp(time.Now())
	}
	if !out.Success {
		r.result(false, true)
		return &out, ErrTimeout
	}
	r.result(true, false)
	return &out, nil
}
