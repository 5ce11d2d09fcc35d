package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPProvider posts messages to an external gateway (SMS aggregator, push
// service, ticketing system) as signed JSON.
type HTTPProvider struct {
	url    string
	secret string
	client *http.Client
}

// NewHTTPProvider creates a provider posting to the given gateway URL.
// If secret is non-empty, payloads are signed with HMAC-SHA256.
func NewHTTPProvider(url, secret string) *HTTPProvider {
	return &HTTPProvider{
		url:    url,
		secret: secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// Send implements Provider.
func (p *HTTPProvider) Send(ctx context.Context, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Kindling-Channel", msg.Channel)
	req.Header.Set("X-Kindling-Timestamp", fmt.Sprintf("%d", time.Now().Unix()))

	if p.secret != "" {
		req.Header.Set("X-Kindling-Signature", p.sign(payload))
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("gateway returned status %d", resp.StatusCode)
	}
	return nil
}

func (p *HTTPProvider) sign(payload []byte) string {
	h := hmac.New(sha256.New, []byte(p.secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
