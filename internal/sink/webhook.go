package sink

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

	"github.com/sony/gobreaker"

	"github.com/d60-Lab/catalog-outbox/internal/model"
	"github.com/d60-Lab/catalog-outbox/internal/service"
)

const (
	SignatureHeader = "X-Outbox-Signature"
	EventIDHeader   = "X-Outbox-Event-Id"
)

type WebhookConfig struct {
	URL     string
	Secret  string
	Timeout time.Duration
	// BreakerThreshold 连续失败多少次后熔断
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

type webhookEnvelope struct {
	ID          uint64          `json:"id"`
	AggregateID string          `json:"aggregate_id"`
	Type        string          `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
}

// WebhookSink 以 HTTP POST 投递事件，请求体用 HMAC-SHA256 签名
type WebhookSink struct {
	client  *http.Client
	cfg     WebhookConfig
	breaker *gobreaker.CircuitBreaker
}

func NewWebhookSink(cfg WebhookConfig, client *http.Client) *WebhookSink {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = 5
	}
	if cfg.BreakerCooldown <= 0 {
		cfg.BreakerCooldown = 30 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	threshold := cfg.BreakerThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "outbox-webhook",
		Timeout: cfg.BreakerCooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= threshold
		},
		// 对端明确拒绝（4xx）说明对端是健康的
		IsSuccessful: func(err error) bool {
			return err == nil || service.IsPermanent(err)
		},
	})
	return &WebhookSink{client: client, cfg: cfg, breaker: cb}
}

// Sign 计算 body 的签名，接收方用同一密钥校验
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (s *WebhookSink) Publish(ctx context.Context, ev *model.OutboxEvent) error {
	body, err := json.Marshal(webhookEnvelope{
		ID:          ev.ID,
		AggregateID: ev.AggregateID,
		Type:        ev.Type,
		Payload:     json.RawMessage(ev.Payload),
		CreatedAt:   ev.CreatedAt.UTC(),
	})
	if err != nil {
		return service.Permanent(fmt.Errorf("encode webhook body: %w", err))
	}
	_, err = s.breaker.Execute(func() (interface{}, error) {
		return nil, s.post(ctx, ev, body)
	})
	return err
}

func (s *WebhookSink) post(ctx context.Context, ev *model.OutboxEvent, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return service.Permanent(err)
	}
	id := strconv.FormatUint(ev.ID, 10)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", "outbox-"+id)
	req.Header.Set(EventIDHeader, id)
	if s.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(s.cfg.Secret, body))
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests, resp.StatusCode >= 500:
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, snippet)
	default:
		return service.Permanent(fmt.Errorf("webhook rejected event with %d: %s", resp.StatusCode, snippet))
	}
}

// State 熔断器状态，供健康检查使用
func (s *WebhookSink) State() gobreaker.State { return s.breaker.State() }
