package notify

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestPushNotifierDelivers(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("missing auth header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("bad payload: %v", err)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "key-1", discardLogger())
	if !p.Send("tok-1", "title", "body", map[string]string{"order_id": "o1"}) {
		t.Fatal("expected delivery to succeed")
	}
	msg, ok := got["message"].(map[string]any)
	if !ok || msg["token"] != "tok-1" {
		t.Fatalf("unexpected payload: %v", got)
	}
}

func TestPushNotifierReportsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	p := NewPushNotifier(srv.URL, "", discardLogger())
	if p.Send("tok-1", "t", "b", nil) {
		t.Fatal("expected delivery to fail on 5xx")
	}

	srv.Close()
	if p.Send("tok-1", "t", "b", nil) {
		t.Fatal("expected delivery to fail on connection error")
	}
}

type stubNotifier struct{ ok bool }

func (s stubNotifier) Send(string, string, string, map[string]string) bool { return s.ok }

func TestMultiFallsThrough(t *testing.T) {
	if !(Multi{stubNotifier{false}, stubNotifier{true}}).Send("t", "a", "b", nil) {
		t.Fatal("expected second notifier to deliver")
	}
	if (Multi{stubNotifier{false}, stubNotifier{false}}).Send("t", "a", "b", nil) {
		t.Fatal("expected delivery failure when all notifiers fail")
	}
	if (Multi{}).Send("t", "a", "b", nil) {
		t.Fatal("empty multi cannot deliver")
	}
}
