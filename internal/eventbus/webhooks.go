package eventbus

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
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/worldhost/internal/logging"
)

// Заголовки исходящих webhook-запросов.
const (
	HeaderEventType = "X-Event-Type"
	HeaderEventID   = "X-Event-ID"
	HeaderSignature = "X-Webhook-Signature"
)

// Webhook - получатель событий мира.
type Webhook struct {
	Name       string
	URL        string
	Secret     string
	Events     []string // пусто или "*" - все события
	Timeout    time.Duration
	RetryCount int
}

func (w *Webhook) subscribed(eventType string) bool {
	if len(w.Events) == 0 {
		return true
	}
	for _, e := range w.Events {
		if e == eventType || e == "*" {
			return true
		}
	}
	return false
}

// WebhookPayload - тело запроса, которое получает webhook.
type WebhookPayload struct {
	ID        string      `json:"id"`
	EventType string      `json:"event_type"`
	Timestamp int64       `json:"timestamp"`
	Source    string      `json:"source"`
	RunID     string      `json:"run_id,omitempty"`
	World     *WorldEvent `json:"world,omitempty"`
}

// WebhookStats - счётчики доставки.
type WebhookStats struct {
	Delivered uint64
	Failed    uint64
	Dropped   uint64
}

// WebhookForwarder пересылает события шины на HTTP-эндпоинты с подписью
// HMAC-SHA256 и повторами.
type WebhookForwarder struct {
	bus    EventBus
	hooks  []Webhook
	client *http.Client
	log    *logging.Logger

	// retryDelay умножается на номер попытки.
	retryDelay time.Duration

	queue  chan *Envelope
	sub    Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	delivered atomic.Uint64
	failed    atomic.Uint64
	dropped   atomic.Uint64
}

// NewWebhookForwarder создаёт пересыльщик. Таймаут по умолчанию 10s,
// повторов 3.
func NewWebhookForwarder(bus EventBus, hooks []Webhook) *WebhookForwarder {
	ctx, cancel := context.WithCancel(context.Background())
	wf := &WebhookForwarder{
		bus:        bus,
		hooks:      make([]Webhook, len(hooks)),
		client:     &http.Client{},
		log:        logging.GetComponentLogger("webhooks"),
		retryDelay: time.Second,
		queue:      make(chan *Envelope, 256),
		ctx:        ctx,
		cancel:     cancel,
	}
	copy(wf.hooks, hooks)
	for i := range wf.hooks {
		if wf.hooks[i].Timeout <= 0 {
			wf.hooks[i].Timeout = 10 * time.Second
		}
		if wf.hooks[i].RetryCount == 0 {
			wf.hooks[i].RetryCount = 3
		}
		if wf.hooks[i].Name == "" {
			wf.hooks[i].Name = wf.hooks[i].URL
		}
	}
	return wf
}

// Start подписывается на шину и запускает доставку.
func (wf *WebhookForwarder) Start() error {
	sub, err := wf.bus.Subscribe(wf.ctx, Filter{}, func(_ context.Context, ev *Envelope) {
		select {
		case wf.queue <- ev:
		default:
			wf.dropped.Add(1)
			wf.log.Warn("⚠️ Очередь webhook'ов переполнена, событие %s пропущено", ev.EventType)
		}
	})
	if err != nil {
		return err
	}
	wf.sub = sub
	wf.wg.Add(1)
	go wf.worker()
	wf.log.Info("📤 Webhooks: %d получателей", len(wf.hooks))
	return nil
}

// Stop отписывается и прерывает текущие доставки.
func (wf *WebhookForwarder) Stop() {
	if wf.sub != nil {
		wf.sub.Unsubscribe()
	}
	wf.cancel()
	wf.wg.Wait()
}

// Stats возвращает счётчики доставки.
func (wf *WebhookForwarder) Stats() WebhookStats {
	return WebhookStats{
		Delivered: wf.delivered.Load(),
		Failed:    wf.failed.Load(),
		Dropped:   wf.dropped.Load(),
	}
}

func (wf *WebhookForwarder) worker() {
	defer wf.wg.Done()
	for {
		select {
		case <-wf.ctx.Done():
			return
		case ev := <-wf.queue:
			wf.process(ev)
		}
	}
}

func (wf *WebhookForwarder) process(ev *Envelope) {
	body, err := json.Marshal(newWebhookPayload(ev))
	if err != nil {
		wf.log.Error("❌ Ошибка маршалинга события %s: %v", ev.ID, err)
		return
	}

	var wg sync.WaitGroup
	for i := range wf.hooks {
		hook := &wf.hooks[i]
		if !hook.subscribed(ev.EventType) {
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := wf.deliver(hook, ev, body); err != nil {
				wf.failed.Add(1)
				wf.log.Error("❌ Webhook %s: событие %s не доставлено: %v", hook.Name, ev.EventType, err)
				return
			}
			wf.delivered.Add(1)
			wf.log.Debug("✅ Событие %s доставлено в webhook %s", ev.EventType, hook.Name)
		}()
	}
	wg.Wait()
}

func newWebhookPayload(ev *Envelope) WebhookPayload {
	p := WebhookPayload{
		ID:        ev.ID,
		EventType: ev.EventType,
		Timestamp: ev.Timestamp.Unix(),
		Source:    ev.Source,
		RunID:     ev.CorrelationID,
	}
	if we, err := DecodeWorldEvent(ev); err == nil && we.WorldID != "" {
		p.World = &we
	}
	return p
}

func (wf *WebhookForwarder) deliver(hook *Webhook, ev *Envelope, body []byte) error {
	var lastErr error
	for attempt := 0; attempt <= hook.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-wf.ctx.Done():
				return wf.ctx.Err()
			case <-time.After(time.Duration(attempt) * wf.retryDelay):
			}
		}
		lastErr = wf.post(hook, ev, body)
		if lastErr == nil {
			return nil
		}
		wf.log.Warn("⚠️ Попытка %d/%d для webhook %s: %v", attempt+1, hook.RetryCount+1, hook.Name, lastErr)
	}
	return lastErr
}

func (wf *WebhookForwarder) post(hook *Webhook, ev *Envelope, body []byte) error {
	ctx, cancel := context.WithTimeout(wf.ctx, hook.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, hook.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "worldhost/1.0")
	req.Header.Set(HeaderEventType, ev.EventType)
	req.Header.Set(HeaderEventID, ev.ID)
	if hook.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, hook.Secret))
	}

	resp, err := wf.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

// Sign возвращает подпись тела в формате "sha256=<hex>".
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify проверяет подпись, пришедшую в HeaderSignature.
func Verify(body []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(body, secret)), []byte(signature))
}
