package notify

// Notifier delivers an offer notification to a driver endpoint. Delivery
// failure is never fatal to the caller; it only surfaces as false so the
// dispatcher can mark the attempt failed.
type Notifier interface {
	Send(endpoint, title, body string, data map[string]string) bool
}

// Multi tries each notifier in order and reports delivered as soon as
// one succeeds. Useful to prefer a live WebSocket session and fall back
// to push.
type Multi []Notifier

func (m Multi) Send(endpoint, title, body string, data map[string]string) bool {
	for _, n := range m {
		if n.Send(endpoint, title, body, data) {
			return true
		}
	}
	return false
}
