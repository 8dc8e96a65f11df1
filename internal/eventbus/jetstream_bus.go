package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	nats "github.com/nats-io/nats.go"
)

// JetStreamBus реализует EventBus поверх NATS JetStream.
// Используется, когда события генерации нужны потребителям за пределами
// машины пайплайна (чат-боты, веб-фронтенд).
type JetStreamBus struct {
	nc        *nats.Conn
	js        nats.JetStreamContext
	stream    string
	published uint64
	consumed  uint64
	dropped   uint64
}

// NewJetStreamBus подключается к NATS и гарантирует наличие стрима.
// url: nats://127.0.0.1:4222, stream: "TILEFORGE".
func NewJetStreamBus(url, stream string) (*JetStreamBus, error) {
	if stream == "" {
		stream = "TILEFORGE"
	}

	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Drain()
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	if _, err := js.StreamInfo(stream); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      stream,
			Subjects:  []string{"tileforge.*"},
			Retention: nats.LimitsPolicy,
			MaxAge:    24 * time.Hour,
			Storage:   nats.FileStorage,
		})
		if err != nil {
			nc.Drain()
			return nil, fmt.Errorf("add stream: %w", err)
		}
	}

	return &JetStreamBus{nc: nc, js: js, stream: stream}, nil
}

// Publish сериализует Envelope в JSON и публикует в subject tileforge.<type>.
func (b *JetStreamBus) Publish(ctx context.Context, ev *Envelope) error {
	data, err := json.Marshal(ev)
	if err != nil {
		atomic.AddUint64(&b.dropped, 1)
		return fmt.Errorf("marshal envelope: %w", err)
	}

	subject := "tileforge." + ev.EventType
	if _, err := b.js.Publish(subject, data, nats.Context(ctx)); err != nil {
		atomic.AddUint64(&b.dropped, 1)
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	atomic.AddUint64(&b.published, 1)
	return nil
}

// Subscribe подписывается на subjects tileforge.* с фильтрацией по типам.
func (b *JetStreamBus) Subscribe(ctx context.Context, f Filter, h Handler) (Subscription, error) {
	sub, err := b.js.Subscribe("tileforge.*", func(msg *nats.Msg) {
		var ev Envelope
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			atomic.AddUint64(&b.dropped, 1)
			return
		}
		if !matchFilter(&ev, f) {
			return
		}
		h(ctx, &ev)
		atomic.AddUint64(&b.consumed, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	return &jsSub{sub: sub}, nil
}

// Metrics возвращает счётчики шины.
func (b *JetStreamBus) Metrics() Stats {
	return Stats{
		Published: atomic.LoadUint64(&b.published),
		Consumed:  atomic.LoadUint64(&b.consumed),
		Dropped:   atomic.LoadUint64(&b.dropped),
	}
}

// Close дренирует соединение с NATS.
func (b *JetStreamBus) Close() error {
	return b.nc.Drain()
}

type jsSub struct {
	sub *nats.Subscription
}

func (s *jsSub) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}
