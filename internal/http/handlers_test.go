package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/example/order-dispatch/internal/config"
	"github.com/example/order-dispatch/internal/engine"
	"github.com/example/order-dispatch/internal/models"
	"github.com/example/order-dispatch/internal/notify"
	"github.com/example/order-dispatch/internal/storage"
)

func newTestServer(t *testing.T) (*httptest.Server, *storage.MemoryStore) {
	t.Helper()
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.DispatchConfig{
		TTL:          20 * time.Millisecond,
		BatchSize:    5,
		MaxRounds:    3,
		PollInterval: 10 * time.Millisecond,
	}
	eng := engine.New(store, notify.Multi{}, logger, cfg)
	srv := httptest.NewServer(NewServer(eng, store, notify.NewWSRegistry(logger), logger))
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func seedConfirmedOrder(store *storage.MemoryStore, id string) {
	store.PutOrder(&models.Order{
		ID:          id,
		VehicleType: models.VehicleMoto,
		Pickup:      models.Location{CityID: "C1"},
		Status:      models.StatusConfirmed,
	})
}

func TestDispatchEndpointOrderNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/v1/orders/nope/dispatch", map[string]any{"dry_run": true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestDispatchEndpointInvalidState(t *testing.T) {
	srv, store := newTestServer(t)
	store.PutOrder(&models.Order{ID: "o1", Status: models.StatusPending})
	resp := postJSON(t, srv.URL+"/api/v1/orders/o1/dispatch", map[string]any{})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
}

func TestDispatchEndpointDryRun(t *testing.T) {
	srv, store := newTestServer(t)
	seedConfirmedOrder(store, "o1")
	store.PutDriver(&models.Driver{
		ID: "d1", VehicleType: models.VehicleMoto, PushToken: "t1", Rating: 4.8,
		OnlineStatus: models.DriverOnline, OnboardingCompleted: true, PrimaryCityID: "C1",
	})

	resp := postJSON(t, srv.URL+"/api/v1/orders/o1/dispatch", map[string]any{"dry_run": true})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var res engine.Result
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Stats.TotalEligible != 1 || res.Stats.Dispatched != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestAcceptEndpointRace(t *testing.T) {
	srv, store := newTestServer(t)
	seedConfirmedOrder(store, "o1")

	resp := postJSON(t, srv.URL+"/api/v1/orders/o1/accept", map[string]any{"driver_id": "d1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first accept: expected 200, got %d", resp.StatusCode)
	}

	resp = postJSON(t, srv.URL+"/api/v1/orders/o1/accept", map[string]any{"driver_id": "d2"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second accept: expected 409, got %d", resp.StatusCode)
	}
}

func TestDeclineEndpoint(t *testing.T) {
	srv, store := newTestServer(t)
	seedConfirmedOrder(store, "o1")
	if err := store.CreateAttempt(context.Background(), &models.DispatchAttempt{
		OrderID: "o1", DriverID: "d1", RoundNumber: 1,
		Status: models.AttemptSent, ExpiresAt: time.Now().Add(time.Minute),
	}); err != nil {
		t.Fatal(err)
	}

	resp := postJSON(t, srv.URL+"/api/v1/orders/o1/decline", map[string]any{"driver_id": "d1", "reason": "too far"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}

	attempts, err := store.AttemptsByOrder(context.Background(), "o1")
	if err != nil {
		t.Fatal(err)
	}
	if len(attempts) != 1 || attempts[0].Status != models.AttemptDeclined || attempts[0].DeclineReason != "too far" {
		t.Fatalf("unexpected attempts: %+v", attempts)
	}

	// No live attempt left to decline.
	resp = postJSON(t, srv.URL+"/api/v1/orders/o1/decline", map[string]any{"driver_id": "d1"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWSUpgradeRejectsPlainHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	resp, err := http.Get(srv.URL + "/ws/tok-1")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestWSDisconnectRemovesSession(t *testing.T) {
	store := storage.NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	wsreg := notify.NewWSRegistry(logger)
	cfg := config.DispatchConfig{
		TTL:          20 * time.Millisecond,
		BatchSize:    5,
		MaxRounds:    3,
		PollInterval: 10 * time.Millisecond,
	}
	eng := engine.New(store, notify.Multi{wsreg}, logger, cfg)
	srv := httptest.NewServer(NewServer(eng, store, wsreg, logger))
	defer srv.Close()

	waitFor := func(cond func() bool, msg string) {
		t.Helper()
		deadline := time.Now().Add(2 * time.Second)
		for !cond() {
			if time.Now().After(deadline) {
				t.Fatal(msg)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/tok-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	waitFor(func() bool { return wsreg.Has("tok-1") }, "session never registered")

	// A dropped connection, no close frame: the read pump must still
	// evict the session.
	conn.Close()
	waitFor(func() bool { return !wsreg.Has("tok-1") }, "session not removed after disconnect")
}

func TestAcceptEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	resp := postJSON(t, srv.URL+"/api/v1/orders/o1/accept", map[string]any{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}
