package notify

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// PushNotifier posts JSON to an FCM-style HTTP endpoint using a server
// key or oauth token.
type PushNotifier struct {
	Endpoint string
	Key      string
	Client   *http.Client
	Logger   *slog.Logger
}

func NewPushNotifier(endpoint, key string, logger *slog.Logger) *PushNotifier {
	return &PushNotifier{
		Endpoint: endpoint,
		Key:      key,
		Client:   &http.Client{Timeout: 3 * time.Second},
		Logger:   logger,
	}
}

func (p *PushNotifier) Send(token, title, body string, data map[string]string) bool {
	payload := map[string]any{
		"message": map[string]any{
			"token":        token,
			"notification": map[string]string{"title": title, "body": body},
			"data":         data,
		},
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	req, err := http.NewRequest(http.MethodPost, p.Endpoint, bytes.NewReader(b))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")
	if p.Key != "" {
		req.Header.Set("Authorization", "Bearer "+p.Key)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		if p.Logger != nil {
			p.Logger.Warn("push send failed", "error", err)
		}
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		if p.Logger != nil {
			p.Logger.Warn("push rejected", "status", resp.StatusCode)
		}
		return false
	}
	return true
}
