package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Signature and event type headers stamped on every delivery.
const (
	HeaderEvent     = "X-Directord-Event"
	HeaderSignature = "X-Directord-Signature"
)

// HTTPSender delivers events as JSON POST requests to a single
// endpoint. Deliveries are signed with HMAC-SHA256 when a secret is
// configured.
type HTTPSender struct {
	endpoint string
	client   *http.Client
	secret   []byte
	headers  http.Header
}

// SenderOption configures an HTTPSender.
type SenderOption func(*HTTPSender)

// WithHTTPClient sets the client used for deliveries. The default has
// a 10 second timeout.
func WithHTTPClient(c *http.Client) SenderOption {
	return func(s *HTTPSender) { s.client = c }
}

// WithSecret enables HMAC-SHA256 signing of the request body. The hex
// digest is carried in the X-Directord-Signature header.
func WithSecret(secret string) SenderOption {
	return func(s *HTTPSender) { s.secret = []byte(secret) }
}

// WithHeader adds a static header to every delivery, for endpoint
// authentication tokens and the like.
func WithHeader(key, value string) SenderOption {
	return func(s *HTTPSender) {
		if s.headers == nil {
			s.headers = make(http.Header)
		}
		s.headers.Add(key, value)
	}
}

// NewHTTPSender creates an HTTPSender posting to the given endpoint.
func NewHTTPSender(endpoint string, opts ...SenderOption) *HTTPSender {
	s := &HTTPSender{
		endpoint: endpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send implements Sender.
func (s *HTTPSender) Send(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("webhook: marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, evt.Type)
	for key, values := range s.headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}
	if len(s.secret) > 0 {
		req.Header.Set(HeaderSignature, Sign(s.secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook: deliver %s: %w", evt.Type, err)
	}
	defer resp.Body.Close()

	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("webhook: deliver %s: endpoint returned %d", evt.Type, resp.StatusCode)
	}
	return nil
}

// Sign computes the hex HMAC-SHA256 digest receivers use to verify a
// delivery body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
