package device

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBridge(t *testing.T, handler func(cmd string) (Response, time.Duration)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/uart/send", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		resp, delay := handler(r.FormValue("command"))
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-r.Context().Done():
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestRemoteSend(t *testing.T) {
	srv := newBridge(t, func(cmd string) (Response, time.Duration) {
		return Response{Command: cmd, Success: true, Response: "A0006", ResponseLength: 5, Timestamp: "2024-01-15 09:30:00"}, 0
	})
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL + "/", Token: "secret"})
	require.NoError(t, r.Connect())

	resp, err := r.Send(context.Background(), CmdCount)
	require.NoError(t, err)
	assert.Equal(t, "A0006", resp.Response)
	assert.Equal(t, "AN", resp.Command)
	assert.Equal(t, uint64(1), r.Stats().Received)
}

func TestRemoteUnansweredCommand(t *testing.T) {
	srv := newBridge(t, func(cmd string) (Response, time.Duration) {
		return Response{Command: cmd, Success: false}, 0
	})
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL, Token: "secret"})
	require.NoError(t, r.Connect())

	_, err := r.Send(context.Background(), "00003v")
	assert.ErrorIs(t, err, ErrTimeout)
}

func TestRemoteDeadline(t *testing.T) {
	srv := newBridge(t, func(cmd string) (Response, time.Duration) {
		return Response{Command: cmd, Success: true, Response: "late"}, time.Second
	})
	defer srv.Close()

	r := NewRemote(RemoteConfig{URL: srv.URL, Token: "secret"})
	require.NoError(t, r.Connect())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := r.Send(ctx, "00003v")
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, uint64(1), r.Stats().Timeouts)
}

func TestRemoteConnectValidatesURL(t *testing.T) {
	assert.Error(t, NewRemote(RemoteConfig{URL: "ftp://panel"}).Connect())

	r := NewRemote(RemoteConfig{URL: "http://panel"})
	_, err := r.Send(context.Background(), "AN")
	assert.ErrorIs(t, err, ErrNotConnected)
}
