package models

import "time"

type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// NetworkFailureCode is recorded as the response code when no HTTP
// response was received (timeout, refused connection, DNS failure).
const NetworkFailureCode = 0

// DeliveryAttempt is one HTTP POST to one subscription for one event.
type DeliveryAttempt struct {
	ID             string         `json:"id"`
	WebhookID      string         `json:"webhookId"`
	DeliveryID     string         `json:"deliveryId"`
	Event          string         `json:"event"`
	Status         DeliveryStatus `json:"status"`
	ResponseCode   int            `json:"responseCode"`
	Error          string         `json:"error,omitempty"`
	Attempt        int            `json:"attempt"`
	Test           bool           `json:"test"`
	ResponseTimeMs int64          `json:"responseTimeMs"`
	Timestamp      time.Time      `json:"timestamp"`
}
