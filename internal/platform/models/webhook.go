package models

import "time"

const RedactedSecret = "••••••••"

type Webhook struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	URL           string     `json:"url"`
	Events        []string   `json:"events"` // JSON array in DB
	Secret        string     `json:"secret"`
	IsActive      bool       `json:"isActive"`
	FailureCount  int        `json:"failureCount"`
	LastTriggered *time.Time `json:"lastTriggered"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// Signed reports whether deliveries carry an X-Webhook-Signature header.
func (w *Webhook) Signed() bool {
	return w.Secret != ""
}

func (w *Webhook) Subscribes(event string) bool {
	for _, e := range w.Events {
		if e == event {
			return true
		}
	}
	return false
}

// Redacted returns a copy safe to hand to API callers.
func (w *Webhook) Redacted() *Webhook {
	cp := *w
	cp.Events = append([]string(nil), w.Events...)
	if cp.Secret != "" {
		cp.Secret = RedactedSecret
	}
	return &cp
}

// WebhookEvent is the outbound envelope. Timestamp is RFC 3339 in UTC.
type WebhookEvent struct {
	Event     string      `json:"event"`
	Timestamp string      `json:"timestamp"`
	Data      interface{} `json:"data"`
}
