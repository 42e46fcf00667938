package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/device"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/export"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/fault"
	"github.com/Hun-TR/T43DR-OnPort-v6.7/internal/traffic"
)

// Server owns the device link, runs fault retrievals and broadcasts their
// progress to WebSocket clients.
type Server struct {
	cfg   *Config
	ch    device.Channel
	ctrl  *fault.Controller
	webFS fs.FS

	// trafficLog is toggled by config updates; nil when not wired.
	trafficLog *traffic.Logger

	// runCtx bounds retrieval runs; replaced by the Run context.
	runCtx context.Context

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
	now      func() time.Time
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Record  *fault.Record  `json:"record,omitempty"`
	Status  *fault.Status  `json:"status,omitempty"`
	Summary *fault.Summary `json:"summary,omitempty"`
	Stamp   int64          `json:"stamp"` // Unix ms
}

// New creates a new Server.
func New(cfg *Config, ch device.Channel, webFS fs.FS) *Server {
	return &Server{
		cfg:     cfg,
		ch:      ch,
		ctrl:    fault.NewController(ch, cfg.RetrievalSettings().Options()),
		webFS:   webFS,
		runCtx:  context.Background(),
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		now: time.Now,
	}
}

// SetTrafficLog lets config updates switch the traffic log on and off.
func (s *Server) SetTrafficLog(l *traffic.Logger) { s.trafficLog = l }

// Controller exposes the retrieval controller.
func (s *Server) Controller() *fault.Controller { return s.ctrl }

// Handler builds the HTTP routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(logRequests)

	api := r.PathPrefix("/api").Subrouter()

	api.HandleFunc("/uart/send", s.handleUARTSend).Methods(http.MethodPost)
	api.HandleFunc("/uart/status", s.handleUARTStatus).Methods(http.MethodGet)

	api.HandleFunc("/faults", s.handleFaults).Methods(http.MethodGet)
	api.HandleFunc("/faults", s.handleClearFaults).Methods(http.MethodDelete)
	api.HandleFunc("/faults/count", s.handleCount).Methods(http.MethodGet)
	api.HandleFunc("/faults/get", s.handleGetFault).Methods(http.MethodPost)
	api.HandleFunc("/faults/fetch", s.handleFetch).Methods(http.MethodPost)
	api.HandleFunc("/faults/pause", s.runAction(s.ctrl.Pause)).Methods(http.MethodPost)
	api.HandleFunc("/faults/resume", s.runAction(s.ctrl.Resume)).Methods(http.MethodPost)
	api.HandleFunc("/faults/cancel", s.runAction(s.ctrl.Cancel)).Methods(http.MethodPost)
	api.HandleFunc("/faults/export.csv", s.handleExport("csv")).Methods(http.MethodGet)
	api.HandleFunc("/faults/export.xls", s.handleExport("xls")).Methods(http.MethodGet)
	api.HandleFunc("/faults/delete", s.handleDelete).Methods(http.MethodPost)

	api.HandleFunc("/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/config", s.handlePostConfig).Methods(http.MethodPost)

	r.HandleFunc("/ws", s.handleWS)

	if s.webFS != nil {
		r.PathPrefix("/").Handler(http.FileServer(http.FS(s.webFS)))
	}
	return r
}

// Run starts the HTTP server and the status broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	s.runCtx = ctx

	go s.statusLoop(ctx)

	addr := s.cfg.ServerSettings().ListenAddr
	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Printf("[server] listening on %s", addr)
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/api/") {
			log.Printf("[server] %s %s", r.Method, r.URL.Path)
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[server] encode response: %v", err)
	}
}

// handleUARTSend passes one raw command through to the device.
func (s *Server) handleUARTSend(w http.ResponseWriter, r *http.Request) {
	cmd := strings.TrimSpace(r.FormValue("command"))
	if cmd == "" {
		http.Error(w, "command required", http.StatusBadRequest)
		return
	}
	if len(cmd) > device.MaxCommandLength {
		http.Error(w, "command too long", http.StatusBadRequest)
		return
	}
	if cmd == device.CmdDeleteAll {
		http.Error(w, "use /api/faults/delete to erase fault records", http.StatusForbidden)
		return
	}
	if s.ctrl.Active() {
		http.Error(w, fault.ErrRunActive.Error(), http.StatusConflict)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), device.DefaultTimeout)
	defer cancel()
	resp, err := s.ch.Send(ctx, cmd)
	if err != nil {
		log.Printf("[server] uart send %q: %v", cmd, err)
		if errors.Is(err, device.ErrNotConnected) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if resp == nil {
		resp = &device.Response{Command: cmd, Timestamp: device.Timestamp(s.now())}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUARTStatus(w http.ResponseWriter, r *http.Request) {
	var stats device.Stats
	if sr, ok := s.ch.(device.StatsReporter); ok {
		stats = sr.Stats()
	}
	writeJSON(w, http.StatusOK, struct {
		Link      string `json:"link"`
		Connected bool   `json:"connected"`
		device.Stats
	}{s.ch.Name(), s.ch.IsConnected(), stats})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	n := fault.ProbeCount(r.Context(), s.ch, s.cfg.RetrievalSettings().Options().RequestTimeout)
	writeJSON(w, http.StatusOK, map[string]int{"count": n})
}

// handleGetFault fetches and decodes one record, without retries.
func (s *Server) handleGetFault(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(strings.TrimSpace(r.FormValue("faultNo")))
	if err != nil || n < 1 || n > fault.MaxRecords {
		http.Error(w, "faultNo must be 1.."+strconv.Itoa(fault.MaxRecords), http.StatusBadRequest)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), device.DefaultTimeout)
	defer cancel()
	resp, err := s.ch.Send(ctx, device.FetchCommand(n))
	switch {
	case errors.Is(err, device.ErrTimeout) || errors.Is(err, context.DeadlineExceeded):
		http.Error(w, fault.ErrTimeout.Error(), http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	case resp == nil || !resp.Success:
		http.Error(w, fault.ErrTimeout.Error(), http.StatusGatewayTimeout)
		return
	}

	text := strings.TrimSpace(resp.Response)
	if fault.IsDeviceError(text) {
		http.Error(w, fault.ErrDeviceError.Error(), http.StatusBadGateway)
		return
	}
	rec, err := fault.Decode(text)
	if err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	rec.DeviceIndex = n
	writeJSON(w, http.StatusOK, rec)
}

// handleFetch starts a retrieval run.
func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var ro fault.RunOptions
	if v := strings.TrimSpace(r.FormValue("limit")); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		ro.Limit = n
	}

	id, err := s.ctrl.Start(s.runCtx, ro, s.broadcastRecord, s.broadcastSummary)
	if errors.Is(err, fault.ErrRunActive) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"runId": id})
}

// runAction adapts Pause/Resume/Cancel to a handler.
func (s *Server) runAction(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		st := s.ctrl.Status()
		s.broadcast(Frame{Status: &st, Stamp: s.now().UnixMilli()})
		writeJSON(w, http.StatusOK, st)
	}
}

func kindFilter(r *http.Request) (fault.PinKind, bool) {
	v := r.URL.Query().Get("kind")
	if v == "" || v == "all" {
		return fault.PinUnknown, true
	}
	k, ok := fault.ParsePinKind(v)
	return k, ok && k != fault.PinUnknown
}

func (s *Server) handleFaults(w http.ResponseWriter, r *http.Request) {
	kind, ok := kindFilter(r)
	if !ok {
		http.Error(w, "kind must be output or input", http.StatusBadRequest)
		return
	}
	recs := export.FilterKind(s.ctrl.Records(), kind)
	if recs == nil {
		recs = []fault.Record{}
	}
	writeJSON(w, http.StatusOK, struct {
		Status  fault.Status   `json:"status"`
		Records []fault.Record `json:"records"`
	}{s.ctrl.Status(), recs})
}

func (s *Server) handleClearFaults(w http.ResponseWriter, r *http.Request) {
	if err := s.ctrl.Reset(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleExport(ext string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		kind, ok := kindFilter(r)
		if !ok {
			http.Error(w, "kind must be output or input", http.StatusBadRequest)
			return
		}
		recs := export.FilterKind(s.ctrl.Records(), kind)
		ec := s.cfg.ExportSettings()
		now := s.now()

		w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(ec.Prefix, ext, now)+`"`)
		var err error
		switch ext {
		case "csv":
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
			err = export.WriteCSV(w, recs)
		default:
			w.Header().Set("Content-Type", "application/vnd.ms-excel; charset=utf-8")
			err = export.WriteSpreadsheet(w, recs, ec.SheetMeta(now))
		}
		if err != nil {
			log.Printf("[server] export %s: %v", ext, err)
			return
		}
		log.Printf("[server] exported %d records as %s", len(recs), ext)
	}
}

type deleteRequest struct {
	Confirm      bool `json:"confirm"`
	ConfirmAgain bool `json:"confirmAgain"`
}

// handleDelete erases the device fault memory after two confirmations.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<10)).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if !req.Confirm || !req.ConfirmAgain {
		http.Error(w, "deletion requires confirm and confirmAgain", http.StatusBadRequest)
		return
	}
	if s.ctrl.Active() {
		http.Error(w, fault.ErrRunActive.Error(), http.StatusConflict)
		return
	}

	res, err := fault.DeleteAll(r.Context(), s.ch)
	switch {
	case errors.Is(err, fault.ErrTimeout):
		http.Error(w, err.Error(), http.StatusGatewayTimeout)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	if err := s.ctrl.Reset(); err != nil {
		log.Printf("[server] clear records after delete: %v", err)
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	data, err := s.cfg.ToJSON()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

func (s *Server) handlePostConfig(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if err := s.cfg.UpdateFromJSON(body); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.cfg.Save(); err != nil {
		log.Printf("[config] save failed: %v", err)
	}
	if s.trafficLog != nil {
		on := s.cfg.LoggingSettings().Enabled
		if on != s.trafficLog.IsEnabled() {
			s.trafficLog.SetEnabled(on)
			log.Printf("[config] traffic log enabled=%v", on)
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[ws] upgrade error: %v", err)
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()

	log.Printf("[ws] client connected (%d total)", n)

	// Initial status so the page can render progress right away
	st := s.ctrl.Status()
	if data, err := json.Marshal(Frame{Status: &st, Stamp: s.now().UnixMilli()}); err == nil {
		client.send <- data
	}

	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			close(client.send)
			s.clientsMu.Unlock()
			log.Printf("[ws] client disconnected (%d total)", n)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// statusLoop broadcasts progress while a run is active.
func (s *Server) statusLoop(ctx context.Context) {
	ms := s.cfg.ServerSettings().StatusIntervalMs
	if ms <= 0 {
		ms = 500
	}
	ticker := time.NewTicker(time.Duration(ms) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := s.ctrl.Status()
			if st.Active {
				s.broadcast(Frame{Status: &st, Stamp: s.now().UnixMilli()})
			}
		}
	}
}

func (s *Server) broadcastRecord(rec fault.Record) {
	s.broadcast(Frame{Record: &rec, Stamp: s.now().UnixMilli()})
}

func (s *Server) broadcastSummary(sum fault.Summary) {
	st := s.ctrl.Status()
	s.broadcast(Frame{Summary: &sum, Status: &st, Stamp: s.now().UnixMilli()})
}

func (s *Server) broadcast(frame Frame) {
	data, err := json.Marshal(frame)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for client := range s.clients {
		select {
		case client.send <- data:
		default:
			// Client too slow, skip
		}
	}
}
