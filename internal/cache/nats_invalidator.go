package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/annel0/worldhost/internal/logging"
	"github.com/nats-io/nats.go"
)

// InvalidatorConfig - настройки NATS-инвалидатора.
type InvalidatorConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`

	MaxReconnects int           `yaml:"max_reconnects"`
	ReconnectWait time.Duration `yaml:"-"`
}

// InvalidationMessage - сообщение об инвалидации ключа.
type InvalidationMessage struct {
	Key       string    `json:"key"`
	Timestamp time.Time `json:"timestamp"`
	NodeID    string    `json:"node_id"`
}

// NATSInvalidator рассылает инвалидации через NATS Pub/Sub. Собственные
// сообщения узла игнорируются.
type NATSInvalidator struct {
	conn    *nats.Conn
	subject string
	nodeID  string
	log     *logging.Logger

	mu  sync.Mutex
	sub *nats.Subscription

	published int64
	received  int64
	errs      int64
}

// NewNATSInvalidator подключается к NATS. nodeID должен быть уникален
// для процесса.
func NewNATSInvalidator(cfg InvalidatorConfig, nodeID string) (*NATSInvalidator, error) {
	if cfg.Subject == "" {
		cfg.Subject = "worldhost.cache.invalidate"
	}
	if cfg.MaxReconnects == 0 {
		cfg.MaxReconnects = 10
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 2 * time.Second
	}
	if nodeID == "" {
		return nil, errors.New("node id is required")
	}

	log := logging.GetComponentLogger("cache")
	conn, err := nats.Connect(cfg.URL,
		nats.Name("worldhost-cache-"+nodeID),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("NATS reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	log.Info("NATS invalidator initialized: %s (subject: %s)", cfg.URL, cfg.Subject)
	return &NATSInvalidator{conn: conn, subject: cfg.Subject, nodeID: nodeID, log: log}, nil
}

// Publish отправляет уведомление об инвалидации ключа.
func (n *NATSInvalidator) Publish(ctx context.Context, key string) error {
	data, err := json.Marshal(InvalidationMessage{Key: key, Timestamp: time.Now().UTC(), NodeID: n.nodeID})
	if err != nil {
		atomic.AddInt64(&n.errs, 1)
		return fmt.Errorf("marshal invalidation: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := n.conn.Publish(n.subject, data); err != nil {
		atomic.AddInt64(&n.errs, 1)
		return fmt.Errorf("publish invalidation: %w", err)
	}
	atomic.AddInt64(&n.published, 1)
	n.log.Debug("Published invalidation for key: %s", key)
	return nil
}

// Subscribe подписывается на инвалидации других узлов. Подписка снимается
// при отмене ctx или Close.
func (n *NATSInvalidator) Subscribe(ctx context.Context, handler InvalidationHandler) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub != nil {
		return errors.New("already subscribed to invalidations")
	}

	sub, err := n.conn.Subscribe(n.subject, func(msg *nats.Msg) {
		n.handle(msg, handler)
	})
	if err != nil {
		return fmt.Errorf("subscribe invalidations: %w", err)
	}
	n.sub = sub

	go func() {
		<-ctx.Done()
		n.unsubscribe()
	}()

	n.log.Info("Subscribed to cache invalidations on subject: %s", n.subject)
	return nil
}

func (n *NATSInvalidator) handle(msg *nats.Msg, handler InvalidationHandler) {
	var m InvalidationMessage
	if err := json.Unmarshal(msg.Data, &m); err != nil {
		atomic.AddInt64(&n.errs, 1)
		n.log.Error("Failed to unmarshal invalidation message: %v", err)
		return
	}
	if m.NodeID == n.nodeID {
		return
	}
	atomic.AddInt64(&n.received, 1)
	if err := handler(m.Key); err != nil {
		atomic.AddInt64(&n.errs, 1)
		n.log.Error("Invalidation handler failed for key %s: %v", m.Key, err)
	}
}

func (n *NATSInvalidator) unsubscribe() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.sub == nil {
		return
	}
	if err := n.sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		n.log.Error("Failed to unsubscribe from invalidations: %v", err)
	}
	n.sub = nil
}

// Counters возвращает число отправленных, принятых сообщений и ошибок.
func (n *NATSInvalidator) Counters() (published, received, errs int64) {
	return atomic.LoadInt64(&n.published), atomic.LoadInt64(&n.received), atomic.LoadInt64(&n.errs)
}

// Close снимает подписку и закрывает соединение.
func (n *NATSInvalidator) Close() error {
	n.unsubscribe()
	if err := n.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		n.conn.Close()
		return err
	}
	n.log.Info("NATS invalidator closed")
	return nil
}
