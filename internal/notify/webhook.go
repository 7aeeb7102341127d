package notify

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
	"strconv"
	"time"

	"github.com/ignite/snowball-engine/internal/pkg/httpretry"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, timestamp + "." + body)).
const (
	SignatureHeader = "X-Snowball-Signature"
	TimestampHeader = "X-Snowball-Timestamp"
)

// Webhook POSTs notifications as JSON to a fixed URL.
type Webhook struct {
	url    string
	secret []byte
	client httpretry.HTTPDoer
	now    func() time.Time
}

// NewWebhook creates a webhook sink. An empty secret sends unsigned requests.
func NewWebhook(url, secret string, client httpretry.HTTPDoer) *Webhook {
	return &Webhook{url: url, secret: []byte(secret), client: client, now: time.Now}
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, n Notification) error {
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("notify: encode: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("notify: webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Snowball-Event", string(n.Type))
	if len(w.secret) > 0 {
		ts := strconv.FormatInt(w.now().Unix(), 10)
		req.Header.Set(TimestampHeader, ts)
		req.Header.Set(SignatureHeader, Sign(w.secret, ts, body))
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("notify: webhook: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("notify: webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Sign computes the signature a receiver should compare against.
func Sign(secret []byte, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
