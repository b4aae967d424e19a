package webhooks

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	DefaultTimeout          = 10 * time.Second
	DefaultUserAgent        = "casehooks-webhooks/1.0"
	DefaultMaxResponseBytes = 4 << 10
)

type Request struct {
	URL        string
	Body       []byte
	Secret     string
	Event      string
	DeliveryID string
}

type Result struct {
	StatusCode int
	Status     string
	Body       []byte
	Duration   time.Duration
	Err        error
}

func (r Result) IsSuccess() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// IsRetryable reports transport errors, 429 and 5xx.
func (r Result) IsRetryable() bool {
	if r.Err != nil {
		return true
	}
	return r.StatusCode == http.StatusTooManyRequests || r.StatusCode >= 500
}

type Sender interface {
	Send(ctx context.Context, req Request) Result
}

type HTTPSender struct {
	client           *http.Client
	timeout          time.Duration
	userAgent        string
	maxResponseBytes int64
}

type SenderOption func(*HTTPSender)

func WithTimeout(d time.Duration) SenderOption {
	return func(s *HTTPSender) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithUserAgent(ua string) SenderOption {
	return func(s *HTTPSender) {
		if ua != "" {
			s.userAgent = ua
		}
	}
}

func WithMaxResponseBytes(n int64) SenderOption {
	return func(s *HTTPSender) {
		if n > 0 {
			s.maxResponseBytes = n
		}
	}
}

func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *HTTPSender) { s.client = c }
}

func NewHTTPSender(opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{
		client:           &http.Client{},
		timeout:          DefaultTimeout,
		userAgent:        DefaultUserAgent,
		maxResponseBytes: DefaultMaxResponseBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send POSTs req.Body once. Only the first maxResponseBytes of the
// response body are kept.
func (s *HTTPSender) Send(ctx context.Context, req Request) Result {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{Err: fmt.Errorf("create request: %w", err), Duration: time.Since(start)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", s.userAgent)
	httpReq.Header.Set("X-Webhook-Event", req.Event)
	httpReq.Header.Set("X-Webhook-Delivery", req.DeliveryID)
	if req.Secret != "" {
		httpReq.Header.Set(SignatureHeaderName, SignatureHeader(req.Secret, req.Body))
	}

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return Result{Err: fmt.Errorf("send: %w", err), Duration: time.Since(start)}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, s.maxResponseBytes))
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	return Result{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Body:       body,
		Duration:   time.Since(start),
	}
}
