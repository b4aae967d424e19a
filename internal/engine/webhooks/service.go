package webhooks

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"casehooks/internal/platform/models"
	"casehooks/internal/platform/repositories"
)

const (
	SecretPrefix    = "whsec_"
	DefaultLogLimit = 50
	MaxLogLimit     = 500
	maxNameLength   = 200
	maxURLLength    = 2048
)

var ErrNotFound = errors.New("webhook not found")

// ValidationError maps field names to the reason they were rejected.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

type Store interface {
	Create(ctx context.Context, webhook *models.Webhook) error
	GetByID(ctx context.Context, id string) (*models.Webhook, error)
	List(ctx context.Context) ([]*models.Webhook, error)
	Update(ctx context.Context, webhook *models.Webhook) error
	Delete(ctx context.Context, id string) error
	ResetFailures(ctx context.Context, id string) error
}

type LogReader interface {
	ListByWebhook(ctx context.Context, webhookID string, limit int) ([]*models.DeliveryAttempt, error)
}

// WebhookInput is the admin-supplied part of a subscription.
type WebhookInput struct {
	Name     string   `json:"name"`
	URL      string   `json:"url"`
	Events   []string `json:"events"`
	Secret   *string  `json:"secret,omitempty"`
	IsActive *bool    `json:"isActive,omitempty"`
	Unsigned bool     `json:"unsigned,omitempty"`
}

// NewSecret is the secret the caller asked for. The redacted mask that reads
// return counts as no secret, so echoing a fetched record back keeps the
// stored one.
func (in WebhookInput) NewSecret() string {
	if in.Secret == nil || *in.Secret == models.RedactedSecret {
		return ""
	}
	return *in.Secret
}

type TestResult struct {
	Success      bool   `json:"success"`
	Status       int    `json:"status"`
	StatusText   string `json:"statusText"`
	Body         string `json:"body"`
	ResponseTime int64  `json:"responseTime"`
	Error        string `json:"error,omitempty"`
}

type EmitSummary struct {
	Event     string `json:"event"`
	Attempted int    `json:"attempted"`
	Delivered int    `json:"delivered"`
	Failed    int    `json:"failed"`
}

type Service struct {
	store      Store
	logs       LogReader
	dispatcher *Dispatcher
}

func NewService(store Store, logs LogReader, dispatcher *Dispatcher) *Service {
	return &Service{store: store, logs: logs, dispatcher: dispatcher}
}

// Create stores a new subscription. The returned webhook carries the
// plaintext secret; every later read is redacted.
func (s *Service) Create(ctx context.Context, in WebhookInput) (*models.Webhook, error) {
	events, err := validate(in)
	if err != nil {
		return nil, err
	}

	w := &models.Webhook{
		Name:     strings.TrimSpace(in.Name),
		URL:      strings.TrimSpace(in.URL),
		Events:   events,
		IsActive: true,
	}
	if in.IsActive != nil {
		w.IsActive = *in.IsActive
	}

	switch {
	case in.Unsigned:
		w.Secret = ""
	case in.NewSecret() != "":
		w.Secret = in.NewSecret()
	default:
		if w.Secret, err = GenerateSecret(); err != nil {
			return nil, err
		}
	}

	if err := s.store.Create(ctx, w); err != nil {
		return nil, fmt.Errorf("create webhook: %w", err)
	}
	return w, nil
}

func (s *Service) Get(ctx context.Context, id string) (*models.Webhook, error) {
	w, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	return w.Redacted(), nil
}

func (s *Service) List(ctx context.Context) ([]*models.Webhook, error) {
	webhooks, err := s.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list webhooks: %w", err)
	}
	out := make([]*models.Webhook, len(webhooks))
	for i, w := range webhooks {
		out[i] = w.Redacted()
	}
	return out, nil
}

// Update replaces name, url and events. Secret and isActive change only
// when supplied (the redacted mask is not a secret); unsigned clears the secret.
func (s *Service) Update(ctx context.Context, id string, in WebhookInput) (*models.Webhook, error) {
	events, err := validate(in)
	if err != nil {
		return nil, err
	}

	w, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}

	w.Name = strings.TrimSpace(in.Name)
	w.URL = strings.TrimSpace(in.URL)
	w.Events = events
	if in.IsActive != nil {
		w.IsActive = *in.IsActive
	}
	switch {
	case in.Unsigned:
		w.Secret = ""
	case in.NewSecret() != "":
		w.Secret = in.NewSecret()
	}

	if err := s.store.Update(ctx, w); err != nil {
		return nil, mapStoreErr("update webhook", err)
	}
	return w.Redacted(), nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return mapStoreErr("delete webhook", s.store.Delete(ctx, id))
}

func (s *Service) ResetFailures(ctx context.Context, id string) (*models.Webhook, error) {
	if err := s.store.ResetFailures(ctx, id); err != nil {
		return nil, mapStoreErr("reset failures", err)
	}
	return s.Get(ctx, id)
}

// TestDeliver sends a synthetic event to one subscription and reports the
// receiver's response. Any non-empty event name is accepted.
func (s *Service) TestDeliver(ctx context.Context, id, event string) (*TestResult, error) {
	w, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	event = strings.TrimSpace(event)
	if event == "" {
		event = TestEvent
	}

	res, _ := s.dispatcher.DeliverTest(ctx, w, event)

	out := &TestResult{
		Success:      res.IsSuccess(),
		Status:       res.StatusCode,
		StatusText:   res.Status,
		Body:         string(res.Body),
		ResponseTime: res.Duration.Milliseconds(),
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out, nil
}

// Logs returns delivery history, newest first. Limits outside 1..MaxLogLimit
// fall back to DefaultLogLimit or are capped.
func (s *Service) Logs(ctx context.Context, id string, limit int) ([]*models.DeliveryAttempt, error) {
	if _, err := s.get(ctx, id); err != nil {
		return nil, err
	}
	switch {
	case limit <= 0:
		limit = DefaultLogLimit
	case limit > MaxLogLimit:
		limit = MaxLogLimit
	}
	attempts, err := s.logs.ListByWebhook(ctx, id, limit)
	if err != nil {
		return nil, fmt.Errorf("list deliveries: %w", err)
	}
	return attempts, nil
}

// Emit dispatches a catalog event synchronously and summarizes the outcome.
// Sends ignore ctx cancellation and are bounded by the sender timeout only.
func (s *Service) Emit(ctx context.Context, event string, data interface{}) (*EmitSummary, error) {
	if err := validateEvent(event); err != nil {
		return nil, err
	}

	summary := &EmitSummary{Event: event}
	delivered := map[string]bool{}
	for _, a := range s.dispatcher.Deliver(context.WithoutCancel(ctx), event, data) {
		if _, seen := delivered[a.DeliveryID]; !seen {
			delivered[a.DeliveryID] = false
		}
		if a.Status == models.DeliverySuccess {
			delivered[a.DeliveryID] = true
		}
	}
	for _, ok := range delivered {
		summary.Attempted++
		if ok {
			summary.Delivered++
		} else {
			summary.Failed++
		}
	}
	return summary, nil
}

// EmitAsync queues a catalog event for background delivery and returns at
// once. Outcomes show up in the delivery log and counters only.
func (s *Service) EmitAsync(event string, data interface{}) error {
	if err := validateEvent(event); err != nil {
		return err
	}
	return s.dispatcher.DeliverAsync(event, data)
}

func validateEvent(event string) error {
	if !IsValid(event) {
		return &ValidationError{Fields: map[string]string{"event": "unknown event: " + event}}
	}
	return nil
}

func (s *Service) get(ctx context.Context, id string) (*models.Webhook, error) {
	w, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, mapStoreErr("get webhook", err)
	}
	return w, nil
}

// GenerateSecret returns a whsec_ prefixed 256-bit random secret.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return SecretPrefix + hex.EncodeToString(b), nil
}

func validate(in WebhookInput) ([]string, error) {
	fields := map[string]string{}

	name := strings.TrimSpace(in.Name)
	switch {
	case name == "":
		fields["name"] = "is required"
	case len(name) > maxNameLength:
		fields["name"] = fmt.Sprintf("must be at most %d characters", maxNameLength)
	}

	if reason := validateURL(strings.TrimSpace(in.URL)); reason != "" {
		fields["url"] = reason
	}

	var events []string
	if len(in.Events) == 0 {
		fields["events"] = "at least one event is required"
	} else {
		seen := make(map[string]struct{}, len(in.Events))
		var unknown []string
		for _, e := range in.Events {
			if _, dup := seen[e]; dup {
				continue
			}
			seen[e] = struct{}{}
			if !IsValid(e) {
				unknown = append(unknown, e)
				continue
			}
			events = append(events, e)
		}
		if len(unknown) > 0 {
			fields["events"] = "unknown events: " + strings.Join(unknown, ", ")
		}
	}

	if in.Unsigned && in.NewSecret() != "" {
		fields["secret"] = "must be empty when unsigned is set"
	}

	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	return events, nil
}

func validateURL(raw string) string {
	if raw == "" {
		return "is required"
	}
	if len(raw) > maxURLLength {
		return fmt.Sprintf("must be at most %d characters", maxURLLength)
	}
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() {
		return "must be an absolute URL"
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "scheme must be http or https"
	}
	if u.Host == "" {
		return "host is required"
	}
	return ""
}

func mapStoreErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, repositories.ErrNotFound) {
		return ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
