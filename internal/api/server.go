// Package api exposes the HTTP surface: the device websocket stream, the
// subscriber push stream, batch sync, and stats.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/flexion-data/motionstream/internal/backpressure"
	"github.com/flexion-data/motionstream/internal/broadcast"
	"github.com/flexion-data/motionstream/internal/connmgr"
	"github.com/flexion-data/motionstream/internal/httputil"
	"github.com/flexion-data/motionstream/internal/pipeline"
	"github.com/flexion-data/motionstream/internal/storage"
	"github.com/flexion-data/motionstream/internal/syncqueue"
	"github.com/flexion-data/motionstream/internal/telemetry"
	"github.com/flexion-data/motionstream/internal/timeutil"
	"github.com/flexion-data/motionstream/internal/version"
)

// ANSI escape codes for request logging
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Server glues the HTTP surface to the core components.
type Server struct {
	manager  *connmgr.Manager
	pipe     *pipeline.Pipeline
	hub      *broadcast.Hub
	uploader *syncqueue.Uploader
	control  *backpressure.Controller
	clock    timeutil.Clock
	logger   *log.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
}

// NewServer creates a Server over the given components.
func NewServer(
	manager *connmgr.Manager,
	pipe *pipeline.Pipeline,
	hub *broadcast.Hub,
	uploader *syncqueue.Uploader,
	control *backpressure.Controller,
	clock timeutil.Clock,
	logger *log.Logger,
) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		manager:  manager,
		pipe:     pipe,
		hub:      hub,
		uploader: uploader,
		control:  control,
		clock:    clock,
		logger:   logger,
		cancels:  make(map[string]context.CancelFunc),
	}
}

// Run consumes connection lifecycle events until ctx is cancelled. A
// Closed event for a connection closed outside its own handler (heartbeat
// sweep, queue overload) cancels that handler's context, which unblocks
// its websocket read and runs the deferred teardown: queue drain, pump
// exit, device state release.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-s.manager.Events():
			s.logger.Printf("[API] connection %s: conn=%s device=%s session=%s reason=%s",
				ev.Type, ev.ConnID, ev.DeviceID, ev.SessionID, ev.Reason)
			if ev.Type == connmgr.EventClosed {
				s.cancelStream(ev.ConnID)
			}
		}
	}
}

func (s *Server) trackStream(connID string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.cancels[connID] = cancel
	s.mu.Unlock()
}

func (s *Server) untrackStream(connID string) {
	s.mu.Lock()
	delete(s.cancels, connID)
	s.mu.Unlock()
}

func (s *Server) cancelStream(connID string) {
	s.mu.Lock()
	cancel := s.cancels[connID]
	delete(s.cancels, connID)
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/api/subscribe", s.handleSubscribe)
	mux.HandleFunc("/api/sync", s.handleSync)
	mux.HandleFunc("/api/stats", s.handleStats)
	mux.HandleFunc("/healthz", s.handleHealthz)
	return mux
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

// bearerToken pulls the auth token from the Authorization header or, for
// clients that cannot set headers on websocket dials, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSONOK(w, map[string]string{"status": "ok", "version": version.Version})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	httputil.WriteJSONOK(w, map[string]interface{}{
		"connections":  s.manager.Stats(),
		"pipeline":     s.pipe.Stats(),
		"backpressure": s.control.Snapshot(),
		"broadcast":    s.hub.Stats(),
		"sync":         s.uploader.Stats(),
	})
}

// handleStream is the device ingestion endpoint. The device is
// authenticated and admitted before the websocket upgrade so rejections
// surface as plain HTTP status codes.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device")
	if deviceID == "" {
		httputil.BadRequest(w, "missing_device", "device query parameter is required")
		return
	}

	conn, err := s.manager.Register(r.Context(), bearerToken(r), deviceID)
	if err != nil {
		if errors.Is(err, telemetry.ErrCapacityExceeded) {
			httputil.ServiceUnavailable(w, "capacity_exceeded", "connection ceiling reached")
			return
		}
		httputil.WriteJSONError(w, http.StatusUnauthorized, "auth_failed", err.Error())
		return
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.manager.Deregister(conn.ID, connmgr.ReasonClientClose)
		s.logger.Printf("[API] websocket accept failed for device %s: %v", deviceID, err)
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.trackStream(conn.ID, cancel)
	defer s.untrackStream(conn.ID)

	in, err := s.pipe.Attach(ctx, conn)
	if err != nil {
		s.manager.Deregister(conn.ID, connmgr.ReasonClientClose)
		ws.Close(websocket.StatusInternalError, err.Error())
		return
	}

	reason := connmgr.ReasonClientClose
	defer func() {
		in.Close()
		s.manager.Deregister(conn.ID, reason)
		ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}
		// Any inbound message counts as a heartbeat. A false return
		// means the sweeper already force-closed this connection.
		if !s.manager.Heartbeat(conn.ID) {
			reason = connmgr.ReasonHeartbeatTimeout
			return
		}

		frame, kind, err := telemetry.DecodeWireMessage(data)
		if err != nil {
			s.writeWire(ctx, ws, telemetry.NewWireError(err))
			if s.manager.RecordValidationFailure(conn.ID) {
				reason = connmgr.ReasonValidation
				return
			}
			continue
		}

		switch kind {
		case telemetry.WireHeartbeat:
			continue
		case telemetry.WireEndSession:
			if _, err := s.pipe.EndSession(ctx, conn.SessionID); err != nil {
				s.writeWire(ctx, ws, telemetry.NewWireError(err))
				return
			}
			s.writeWire(ctx, ws, telemetry.NewAck(s.clock.Now().UnixMilli()))
			return
		}

		frame.ReceivedAt = s.clock.Now()
		if err := in.Submit(frame); err != nil {
			s.writeWire(ctx, ws, telemetry.NewWireError(err))
			if _, isValidation := telemetry.AsValidation(err); isValidation {
				if s.manager.RecordValidationFailure(conn.ID) {
					reason = connmgr.ReasonValidation
					return
				}
			}
			continue
		}
		s.writeWire(ctx, ws, telemetry.NewAck(frame.TimestampMs))
	}
}

func (s *Server) writeWire(ctx context.Context, ws *websocket.Conn, msg interface{}) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	_ = ws.Write(ctx, websocket.MessageText, data)
}

// handleSubscribe is the live consumer endpoint: a websocket push stream
// of processed samples and metrics snapshots.
func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session")
	deviceID := r.URL.Query().Get("sensor")
	dataKinds := r.URL.Query().Get("data")
	if dataKinds == "" {
		dataKinds = "all"
	}

	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}

	subID := "sub-" + uuid.NewString()
	var sub *broadcast.Subscriber
	if deviceID != "" {
		sub = s.hub.SubscribeDevice(subID, deviceID)
	} else {
		sub = s.hub.Subscribe(subID, sessionID)
	}
	defer s.hub.Unsubscribe(subID)

	ctx := ws.CloseRead(context.Background())

	for {
		select {
		case <-ctx.Done():
			ws.Close(websocket.StatusNormalClosure, "")
			return
		case u, ok := <-sub.C():
			if !ok {
				ws.Close(websocket.StatusNormalClosure, "")
				return
			}
			if !wantKind(dataKinds, u.Kind) {
				continue
			}
			data, err := json.Marshal(u)
			if err != nil {
				continue
			}
			if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
				return
			}
		}
	}
}

func wantKind(filter string, kind broadcast.UpdateKind) bool {
	switch filter {
	case "samples":
		return kind == broadcast.KindSample
	case "metrics":
		return kind == broadcast.KindMetrics || kind == broadcast.KindSessionEnded
	default:
		return true
	}
}

// syncRequest is the /api/sync payload.
type syncRequest struct {
	Batches []storage.Batch `json:"batches"`
}

// batchStatus is the per-batch outcome in the /api/sync response.
type batchStatus struct {
	BatchID string `json:"batch_id"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 8<<20))
	if err != nil {
		httputil.BadRequest(w, "body_too_large", "request body exceeds limit")
		return
	}
	var req syncRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httputil.BadRequest(w, "malformed_json", err.Error())
		return
	}
	if len(req.Batches) == 0 {
		httputil.BadRequest(w, "empty_request", "no batches in request")
		return
	}

	statuses := make([]batchStatus, 0, len(req.Batches))
	for i := range req.Batches {
		b := req.Batches[i]
		st := batchStatus{BatchID: b.BatchID}
		if err := s.uploader.Submit(&b); err != nil {
			st.Status = "rejected"
			st.Error = err.Error()
			if errors.Is(err, telemetry.ErrOverloaded) {
				st.Status = "overloaded"
			}
		} else {
			st.Status = "queued"
		}
		statuses = append(statuses, st)
	}
	httputil.WriteJSONOK(w, map[string]interface{}{"batches": statuses})
}
