package eventbus

import (
	"context"

	"github.com/annel0/tileforge/internal/logging"
)

// StartLoggingListener подписывается на все события прогона и пишет их в лог.
// Функция неблокирующая.
func StartLoggingListener(bus EventBus) error {
	_, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		logging.Debug("[EventBus] %s %s run=%s prio=%d size=%dB", ev.ID, ev.EventType, ev.RunID, ev.Priority, len(ev.Payload))
	})
	if err != nil {
		return err
	}
	logging.Info("🪵 LoggingListener: подписка на все события активирована")
	return nil
}
