package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/shaunagostinho/leogeo/internal/device"
	"github.com/shaunagostinho/leogeo/internal/export"
	"github.com/shaunagostinho/leogeo/internal/protocol"
)

const maxBody = 1 << 20

// Server exposes the logger operations over HTTP and broadcasts their
// progress to WebSocket clients.
type Server struct {
	cfg      *Config
	opener   device.Opener
	lister   device.PortLister
	exporter *export.Exporter
	webFS    fs.FS
	log      *zap.Logger
	clock    device.Clock

	// opMu admits one device exchange at a time.
	opMu sync.Mutex

	clients   map[*wsClient]struct{}
	clientsMu sync.RWMutex

	upgrader websocket.Upgrader
}

type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Event is the JSON structure sent to all WebSocket clients.
type Event struct {
	ID      string               `json:"id,omitempty"` // operation id
	Op      string               `json:"op"`           // fetch, upload, unlock, command, config
	Port    string               `json:"port,omitempty"`
	State   string               `json:"state"` // started, done, failed
	Error   string               `json:"error,omitempty"`
	Kind    string               `json:"kind,omitempty"`
	Records []protocol.LogRecord `json:"records,omitempty"`
	Files   []string             `json:"files,omitempty"`
	Stamp   int64                `json:"stamp"` // Unix ms
}

// Option customizes a Server.
type Option func(*Server)

// WithClock sets the clock handed to each engine, for tests and demo mode.
func WithClock(c device.Clock) Option { return func(s *Server) { s.clock = c } }

// WithExporter replaces the exporter built from the config.
func WithExporter(e *export.Exporter) Option { return func(s *Server) { s.exporter = e } }

// New creates a new Server.
func New(cfg *Config, opener device.Opener, lister device.PortLister, webFS fs.FS, log *zap.Logger, opts ...Option) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{
		cfg:     cfg,
		opener:  opener,
		lister:  lister,
		webFS:   webFS,
		log:     log,
		clock:   device.SystemClock{},
		clients: make(map[*wsClient]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	for _, o := range opts {
		o(s)
	}
	if s.exporter == nil {
		s.exporter = export.New(cfg.ExportConfig(), log.Named("export"))
	}
	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.webFS != nil {
		mux.Handle("/", http.FileServer(http.FS(s.webFS)))
	}
	mux.HandleFunc("/ws", s.handleWS)

	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/ports", s.handlePorts)
	mux.HandleFunc("/api/logs/fetch", s.handleFetch)
	mux.HandleFunc("/api/waypoints", s.handleWaypoints)
	mux.HandleFunc("/api/unlock", s.handleUnlock)
	mux.HandleFunc("/api/command", s.handleCommand)
	return mux
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	addr := s.listenAddr()
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("shutdown", zap.Error(err))
		}
	}()

	s.log.Info("listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) listenAddr() string {
	s.cfg.mu.RLock()
	defer s.cfg.mu.RUnlock()
	return s.cfg.Server.ListenAddr
}

// ApplyConfig pushes runtime-adjustable settings to live components.
func (s *Server) ApplyConfig() {
	ec := s.cfg.ExportConfig()
	s.exporter.SetEnabled(ec.Enabled)
	s.broadcast(Event{Op: "config", State: "done", Stamp: time.Now().UnixMilli()})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", zap.Error(err))
		return
	}

	client := &wsClient{
		conn: conn,
		send: make(chan []byte, 64),
	}

	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	n := len(s.clients)
	s.clientsMu.Unlock()
	s.log.Debug("ws client connected", zap.Int("clients", n))

	// Writer goroutine
	go func() {
		defer conn.Close()
		for msg := range client.send {
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	// Reader goroutine (keep-alive, detects disconnect)
	go func() {
		defer func() {
			s.clientsMu.Lock()
			delete(s.clients, client)
			n := len(s.clients)
			s.clientsMu.Unlock()
			close(client.send)
			s.log.Debug("ws client disconnected", zap.Int("clients", n))
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Warn("config save failed", zap.Error(err))
		}
		s.ApplyConfig()
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handlePorts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var ports []string
	if s.lister != nil {
		var err error
		if ports, err = s.lister(); err != nil {
			writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Reason: string(device.DescribeError(err))})
			return
		}
	}
	if ports == nil {
		ports = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ports": ports, "default": s.cfg.DefaultPort()})
}

type portRequest struct {
	Port string `json:"port"`
}

type waypointRequest struct {
	Port        string                `json:"port"`
	Coordinates []protocol.Coordinate `json:"coordinates"`
}

type commandRequest struct {
	Port    string `json:"port"`
	Payload string `json:"payload"`
}

type errorBody struct {
	ID     string `json:"id,omitempty"`
	Error  string `json:"error"`
	Kind   string `json:"kind,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	s.operate(w, r, "fetch", &req, &req.Port, func(e *protocol.Engine, port string, ev *Event) (interface{}, error) {
		records, err := e.FetchLogs(port)
		if err != nil {
			return nil, err
		}
		ev.Records = records
		files, err := s.exporter.Export(records)
		if err != nil {
			s.log.Warn("export failed", zap.Error(err))
		}
		ev.Files = files
		if records == nil {
			records = []protocol.LogRecord{}
		}
		return map[string]interface{}{"id": ev.ID, "records": records, "files": files}, nil
	})
}

func (s *Server) handleWaypoints(w http.ResponseWriter, r *http.Request) {
	var req waypointRequest
	s.operate(w, r, "upload", &req, &req.Port, func(e *protocol.Engine, port string, ev *Event) (interface{}, error) {
		if err := e.UploadCoordinates(port, req.Coordinates); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": ev.ID, "uploaded": len(req.Coordinates)}, nil
	})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req portRequest
	s.operate(w, r, "unlock", &req, &req.Port, func(e *protocol.Engine, port string, ev *Event) (interface{}, error) {
		if err := e.SendUnlock(port); err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": ev.ID, "status": "unlocked"}, nil
	})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	s.operateChecked(w, r, "command", &req, &req.Port, func() string {
		if req.Payload == "" {
			return "empty command payload"
		}
		return ""
	}, func(e *protocol.Engine, port string, ev *Event) (interface{}, error) {
		frame, err := e.SendRawCommand(port, []byte(req.Payload))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"id": ev.ID, "response": string(frame)}, nil
	})
}

// operate decodes the request, claims the device, runs fn with a fresh
// engine and reports the outcome to the caller and to WebSocket clients.
func (s *Server) operate(w http.ResponseWriter, r *http.Request, op string, req interface{}, port *string,
	fn func(e *protocol.Engine, port string, ev *Event) (interface{}, error)) {
	s.operateChecked(w, r, op, req, port, nil, fn)
}

// operateChecked is operate with a request check that runs before the
// device is claimed. A non-empty result rejects the request.
func (s *Server) operateChecked(w http.ResponseWriter, r *http.Request, op string, req interface{}, port *string,
	check func() string, fn func(e *protocol.Engine, port string, ev *Event) (interface{}, error)) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBody)).Decode(req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "bad request: " + err.Error()})
		return
	}
	if check != nil {
		if msg := check(); msg != "" {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: msg})
			return
		}
	}
	if *port == "" {
		*port = s.cfg.DefaultPort()
	}
	if *port == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "no port selected", Reason: string(device.ReasonNoPort)})
		return
	}

	ecfg, err := s.cfg.Engine()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Reason: string(device.ReasonInvalidConfig)})
		return
	}

	if !s.opMu.TryLock() {
		writeJSON(w, http.StatusConflict, errorBody{Error: "device busy"})
		return
	}
	defer s.opMu.Unlock()

	id := uuid.New().String()
	log := s.log.With(zap.String("id", id), zap.String("op", op), zap.String("port", *port))
	engine := protocol.NewEngine(s.opener, ecfg, protocol.WithClock(s.clock), protocol.WithLogger(log.Named("engine")))

	s.broadcast(Event{ID: id, Op: op, Port: *port, State: "started", Stamp: time.Now().UnixMilli()})
	ev := Event{ID: id, Op: op, Port: *port}
	resp, err := fn(engine, *port, &ev)
	ev.Stamp = time.Now().UnixMilli()
	if err != nil {
		kind := protocol.KindOf(err)
		ev.State, ev.Error, ev.Kind = "failed", protocol.Describe(err), kind.String()
		s.broadcast(ev)

		body := errorBody{ID: id, Error: protocol.Describe(err), Kind: kind.String()}
		var pe *protocol.Error
		if errors.As(err, &pe) {
			body.Reason = pe.Reason
		}
		log.Info("operation failed", zap.Stringer("kind", kind), zap.Error(err))
		writeJSON(w, statusFor(kind), body)
		return
	}
	ev.State = "done"
	s.broadcast(ev)
	log.Info("operation done")
	writeJSON(w, http.StatusOK, resp)
}

// statusFor maps failure kinds onto HTTP status codes.
func statusFor(k protocol.Kind) int {
	switch k {
	case protocol.KindInvalidCoordinate:
		return http.StatusBadRequest
	case protocol.KindConnection:
		return http.StatusServiceUnavailable
	case protocol.KindTimeout, protocol.KindNoData, protocol.KindNotAcknowledged:
		return http.StatusGatewayTimeout
	case protocol.KindParse, protocol.KindWrite:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) broadcast(ev Event) {
	data, err := json.Marshal(ev)
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
