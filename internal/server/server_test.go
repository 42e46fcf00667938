package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/fault"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/traffic"
)

type testServer struct {
	*httptest.Server
	srv  *Server
	demo *device.Demo
}

func newTestServer(t *testing.T, records int, pacingMs int) *testServer {
	t.Helper()
	cfg := DefaultConfig()
	cfg.path = t.TempDir() + "/config.yaml"
	cfg.Retrieval.AttemptUnitMs = 1
	cfg.Retrieval.PacingMs = pacingMs
	cfg.Retrieval.RecoveryBackoffMs = 1
	cfg.Retrieval.RequestTimeoutMs = 50

	demo := device.NewDemo(device.DemoConfig{Records: records, Seed: 42})
	require.NoError(t, demo.Connect())

	s := New(cfg, demo, nil)
	s.now = func() time.Time { return time.Date(2024, 1, 15, 9, 30, 0, 0, time.UTC) }
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return &testServer{Server: ts, srv: s, demo: demo}
}

func (ts *testServer) postForm(t *testing.T, path string, form url.Values) *http.Response {
	t.Helper()
	resp, err := http.PostForm(ts.URL+path, form)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (ts *testServer) get(t *testing.T, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

type faultsView struct {
	Status  fault.Status   `json:"status"`
	Records []fault.Record `json:"records"`
}

func (ts *testServer) faults(t *testing.T, query string) faultsView {
	t.Helper()
	resp := ts.get(t, "/api/faults"+query)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var v faultsView
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) waitIdle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !ts.srv.Controller().Active() }, 5*time.Second, 10*time.Millisecond)
}

func TestFetchAndList(t *testing.T) {
	ts := newTestServer(t, 4, 0)

	resp := ts.postForm(t, "/api/faults/fetch", nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var started map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	assert.NotEmpty(t, started["runId"])

	ts.waitIdle(t)
	v := ts.faults(t, "")
	require.Len(t, v.Records, 4)
	assert.Equal(t, 4, v.Records[0].DeviceIndex)
	assert.Equal(t, 1, v.Records[3].DeviceIndex)
	require.NotNil(t, v.Status.Last)
	assert.Equal(t, started["runId"], v.Status.Last.RunID)

	out := ts.faults(t, "?kind=output")
	in := ts.faults(t, "?kind=input")
	assert.Equal(t, 4, len(out.Records)+len(in.Records))

	assert.Equal(t, http.StatusBadRequest, ts.get(t, "/api/faults?kind=relay").StatusCode)
}

func TestFetchLimitAndConflict(t *testing.T) {
	ts := newTestServer(t, 40, 20)

	resp := ts.postForm(t, "/api/faults/fetch", url.Values{"limit": {"bad"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.postForm(t, "/api/faults/fetch", url.Values{"limit": {"30"}})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp = ts.postForm(t, "/api/faults/fetch", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = ts.postForm(t, "/api/faults/delete", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	assert.Equal(t, http.StatusOK, ts.postForm(t, "/api/faults/pause", nil).StatusCode)
	assert.Equal(t, http.StatusOK, ts.postForm(t, "/api/faults/resume", nil).StatusCode)
	assert.Equal(t, http.StatusOK, ts.postForm(t, "/api/faults/cancel", nil).StatusCode)
	ts.waitIdle(t)

	v := ts.faults(t, "")
	require.NotNil(t, v.Status.Last)
	assert.Equal(t, fault.OutcomeCancelled, v.Status.Last.Outcome)
	assert.Equal(t, 30, v.Status.Last.Requested)
	assert.Less(t, len(v.Records), 30)

	assert.Equal(t, http.StatusConflict, ts.postForm(t, "/api/faults/pause", nil).StatusCode)
}

func TestGetSingleFault(t *testing.T) {
	ts := newTestServer(t, 3, 0)

	for _, bad := range []string{"", "0", "10000", "x"} {
		resp := ts.postForm(t, "/api/faults/get", url.Values{"faultNo": {bad}})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, bad)
	}

	resp := ts.postForm(t, "/api/faults/get", url.Values{"faultNo": {"2"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var rec fault.Record
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rec))
	assert.Equal(t, 2, rec.DeviceIndex)
	assert.Equal(t, 2024, rec.Timestamp.Year)

	resp = ts.postForm(t, "/api/faults/get", url.Values{"faultNo": {"9"}})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestCountAndUART(t *testing.T) {
	ts := newTestServer(t, 7, 0)

	resp := ts.get(t, "/api/faults/count")
	var count map[string]int
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
	assert.Equal(t, 7, count["count"])

	resp = ts.postForm(t, "/api/uart/send", url.Values{"command": {"AN"}})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var dr device.Response
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&dr))
	assert.True(t, dr.Success)
	assert.Equal(t, "A0008", dr.Response)
	assert.Equal(t, 5, dr.ResponseLength)

	resp = ts.postForm(t, "/api/uart/send", url.Values{"command": {strings.Repeat("x", 101)}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = ts.postForm(t, "/api/uart/send", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = ts.get(t, "/api/uart/status")
	var st struct {
		Connected bool   `json:"connected"`
		TxCount   uint64 `json:"txCount"`
		RxCount   uint64 `json:"rxCount"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	assert.True(t, st.Connected)
	assert.Equal(t, uint64(2), st.TxCount)
	assert.Equal(t, uint64(2), st.RxCount)
}

func TestUARTSendGuards(t *testing.T) {
	ts := newTestServer(t, 40, 20)

	resp := ts.postForm(t, "/api/uart/send", url.Values{"command": {device.CmdDeleteAll}})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 40, ts.demo.Len())

	require.Equal(t, http.StatusAccepted, ts.postForm(t, "/api/faults/fetch", nil).StatusCode)
	resp = ts.postForm(t, "/api/uart/send", url.Values{"command": {"AN"}})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	assert.Equal(t, http.StatusOK, ts.postForm(t, "/api/faults/cancel", nil).StatusCode)
	ts.waitIdle(t)
	resp = ts.postForm(t, "/api/uart/send", url.Values{"command": {"AN"}})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCountDuringConfigUpdates(t *testing.T) {
	ts := newTestServer(t, 7, 0)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			resp, err := http.Get(ts.URL + "/api/faults/count")
			if !assert.NoError(t, err) {
				return
			}
			defer resp.Body.Close()
			var count map[string]int
			assert.NoError(t, json.NewDecoder(resp.Body).Decode(&count))
			assert.Equal(t, 7, count["count"])
		}()
		go func(i int) {
			defer wg.Done()
			body := `{"retrieval":{"requestTimeoutMs":` + strconv.Itoa(500+i) + `}}`
			resp, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(body))
			if !assert.NoError(t, err) {
				return
			}
			resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		}(i)
	}
	wg.Wait()

	timeout := ts.srv.cfg.RetrievalSettings().RequestTimeoutMs
	assert.GreaterOrEqual(t, timeout, 500)
	assert.Less(t, timeout, 510)
}

func TestConfigTogglesTrafficLog(t *testing.T) {
	ts := newTestServer(t, 1, 0)
	l := traffic.New(traffic.Config{Path: t.TempDir()})
	defer l.Close()
	ts.srv.SetTrafficLog(l)

	post := func(body string) {
		resp, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	post(`{"logging":{"enabled":true}}`)
	assert.True(t, l.IsEnabled())

	post(`{"export":{"prefix":"station7"}}`)
	assert.True(t, l.IsEnabled())

	post(`{"logging":{"enabled":false}}`)
	assert.False(t, l.IsEnabled())
}

func TestExports(t *testing.T) {
	ts := newTestServer(t, 3, 0)
	ts.postForm(t, "/api/faults/fetch", nil)
	ts.waitIdle(t)

	resp := ts.get(t, "/api/faults/export.csv")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `attachment; filename="teias_eklim_faults_2024-01-15_0930.csv"`, resp.Header.Get("Content-Disposition"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "\xEF\xBB\xBFsep=;\n"))
	assert.Equal(t, 5, strings.Count(string(body), "\n"))

	resp = ts.get(t, "/api/faults/export.xls")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), ".xls")
	body, err = io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(body), "\xEF\xBB\xBF<?xml"))
	assert.Contains(t, string(body), "<Created>2024-01-15T09:30:00Z</Created>")
}

func TestDeleteRequiresConfirmation(t *testing.T) {
	ts := newTestServer(t, 3, 0)
	ts.postForm(t, "/api/faults/fetch", nil)
	ts.waitIdle(t)

	post := func(body string) *http.Response {
		resp, err := http.Post(ts.URL+"/api/faults/delete", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusBadRequest, post(`{"confirm":true}`).StatusCode)
	assert.Equal(t, 3, ts.demo.Len())

	resp := post(`{"confirm":true,"confirmAgain":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var res fault.DeleteResult
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&res))
	assert.True(t, res.Confirmed)
	assert.Zero(t, ts.demo.Len())
	assert.Empty(t, ts.faults(t, "").Records)
}

func TestClearRecords(t *testing.T) {
	ts := newTestServer(t, 2, 0)
	ts.postForm(t, "/api/faults/fetch", nil)
	ts.waitIdle(t)
	require.Len(t, ts.faults(t, "").Records, 2)

	req, err := http.NewRequest(http.MethodDelete, ts.URL+"/api/faults", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, ts.faults(t, "").Records)
	assert.Equal(t, 2, ts.demo.Len())
}

func TestConfigEndpoints(t *testing.T) {
	ts := newTestServer(t, 1, 0)

	resp, err := http.Post(ts.URL+"/api/config", "application/json", strings.NewReader(`{"export":{"prefix":"station7"}}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = ts.get(t, "/api/config")
	var cfg map[string]map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&cfg))
	assert.Equal(t, "station7", cfg["export"]["prefix"])
	assert.Equal(t, "demo", cfg["device"]["type"])
}

func TestWebSocketFeed(t *testing.T) {
	ts := newTestServer(t, 2, 0)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var first Frame
	require.NoError(t, conn.ReadJSON(&first))
	require.NotNil(t, first.Status)
	assert.False(t, first.Status.Active)

	// the client is registered once the initial frame is out
	ts.postForm(t, "/api/faults/fetch", nil)

	var records int
	var summary *fault.Summary
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for summary == nil {
		var f Frame
		require.NoError(t, conn.ReadJSON(&f))
		if f.Record != nil {
			records++
		}
		summary = f.Summary
	}
	assert.Equal(t, 2, records)
	assert.Equal(t, 2, summary.Succeeded)
}
