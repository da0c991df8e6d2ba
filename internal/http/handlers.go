package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/order-dispatch/internal/engine"
	"github.com/example/order-dispatch/internal/lock"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/storage"
)

type Server struct {
	Engine *engine.Engine
	Store  storage.Store
	WSReg  *notify.WSRegistry
	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(eng *engine.Engine, store storage.Store, wsreg *notify.WSRegistry, logger *slog.Logger) *Server {
	s := &Server{Engine: eng, Store: store, WSReg: wsreg, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/v1/orders/{order_id}/dispatch", s.handleDispatch).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/accept", s.handleAccept).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/decline", s.handleDecline).Methods("POST")
	s.mux.HandleFunc("/api/v1/orders/{order_id}/attempts", s.handleAttempts).Methods("GET")
	s.mux.HandleFunc("/ws/{token}", s.handleWS)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type dispatchRequest struct {
	TTLSeconds int  `json:"ttl_seconds"`
	BatchSize  int  `json:"batch_size"`
	MaxRounds  int  `json:"max_rounds"`
	DryRun     bool `json:"dry_run"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]

	var body dispatchRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	res, err := s.Engine.DispatchOrder(r.Context(), engine.Request{
		OrderID:   orderID,
		TTL:       time.Duration(body.TTLSeconds) * time.Second,
		BatchSize: body.BatchSize,
		MaxRounds: body.MaxRounds,
		DryRun:    body.DryRun,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, engine.ErrInvalidOrderState), errors.Is(err, lock.ErrHeld):
			writeError(w, http.StatusConflict, err.Error())
		default:
			s.logger.Error("dispatch failed", "order_id", orderID, "error", err)
			writeError(w, http.StatusInternalServerError, "dispatch failed")
		}
		return
	}
	// Exhaustion is a structured non-error: still 200.
	writeJSON(w, http.StatusOK, res)
}

type driverActionRequest struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason,omitempty"`
}

// handleAccept is the driver-side atomic claim: among concurrent
// accepts for the same order, the store lets exactly one through.
func (s *Server) handleAccept(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	var body driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}

	if err := s.Store.AcceptOrder(r.Context(), orderID, body.DriverID); err != nil {
		switch {
		case errors.Is(err, storage.ErrOrderNotFound):
			writeError(w, http.StatusNotFound, "order not found")
		case errors.Is(err, storage.ErrAlreadyAssigned):
			writeError(w, http.StatusConflict, "order already taken")
		default:
			s.logger.Error("accept failed", "order_id", orderID, "error", err)
			writeError(w, http.StatusInternalServerError, "accept failed")
		}
		return
	}

	if err := s.Store.AcceptAttempt(r.Context(), orderID, body.DriverID, time.Now()); err != nil {
		// The claim stands either way; the attempt row is bookkeeping.
		s.logger.Warn("accept attempt update failed", "order_id", orderID, "driver_id", body.DriverID, "error", err)
	}
	if err := s.Store.AppendEvent(r.Context(), models.OrderEvent{
		OrderID:     orderID,
		EventType:   models.EventDriverAssigned,
		Description: "driver accepted the order",
	}); err != nil {
		s.logger.Warn("event append failed", "order_id", orderID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "order assigned"})
}

func (s *Server) handleDecline(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	var body driverActionRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.DriverID == "" {
		writeError(w, http.StatusBadRequest, "driver_id is required")
		return
	}

	if err := s.Store.DeclineAttempt(r.Context(), orderID, body.DriverID, body.Reason); err != nil {
		if errors.Is(err, storage.ErrNoAttempt) {
			writeError(w, http.StatusNotFound, "no open offer for driver")
			return
		}
		s.logger.Error("decline failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "decline failed")
		return
	}
	if err := s.Store.AppendEvent(r.Context(), models.OrderEvent{
		OrderID:     orderID,
		EventType:   models.EventDriverDeclined,
		Description: "driver declined the order",
	}); err != nil {
		s.logger.Warn("event append failed", "order_id", orderID, "error", err)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "offer declined"})
}

func (s *Server) handleAttempts(w http.ResponseWriter, r *http.Request) {
	orderID := mux.Vars(r)["order_id"]
	attempts, err := s.Store.AttemptsByOrder(r.Context(), orderID)
	if err != nil {
		s.logger.Error("attempts read failed", "order_id", orderID, "error", err)
		writeError(w, http.StatusInternalServerError, "attempts read failed")
		return
	}
	writeJSON(w, http.StatusOK, attempts)
}

var upgrader = websocket.Upgrader{}

// handleWS attaches a driver app session keyed by its push token so
// offers reach it without a push round-trip.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	token := mux.Vars(r)["token"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its error response.
		s.logger.Warn("ws upgrade failed", "error", err)
		return
	}
	s.WSReg.Add(token, conn)
	go s.readSession(token, conn)
}

// readSession drains inbound frames so close frames and pings are
// processed. The first read error means the peer is gone; the session
// leaves the registry instead of lingering until a send fails.
func (s *Server) readSession(token string, conn *websocket.Conn) {
	defer func() {
		s.WSReg.Remove(token)
		_ = conn.Close()
	}()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "message": msg})
}
