package eventbus

import (
	"context"

	"github.com/annel0/worldhost/internal/logging"
)

// StartLoggingListener подписывается на все события и пишет их в лог.
// Функция неблокирующая.
func StartLoggingListener(bus EventBus) (Subscription, error) {
	log := logging.GetComponentLogger("eventbus")
	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		we, err := DecodeWorldEvent(ev)
		if err != nil {
			log.Debug("[EventBus] %s %s src=%s prio=%d size=%dB", ev.ID, ev.EventType, ev.Source, ev.Priority, len(ev.Payload))
			return
		}
		log.Debug("[EventBus] %s world=%s state=%s port=%d %s", ev.EventType, we.WorldID, we.State, we.Port, we.Reason)
	})
	if err != nil {
		return nil, err
	}
	log.Info("🪵 LoggingListener: подписка на все события активирована")
	return sub, nil
}
