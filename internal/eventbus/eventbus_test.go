package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var mu sync.Mutex
	var got []string

	_, err := bus.Subscribe(context.Background(), Filter{Types: []string{EventTileGenerated}},
		func(ctx context.Context, ev *Envelope) {
			mu.Lock()
			got = append(got, ev.EventType)
			mu.Unlock()
		})
	if err != nil {
		t.Fatal(err)
	}

	events := []string{EventRunStarted, EventTileGenerated, EventLocationDone, EventTileGenerated}
	for _, et := range events {
		if err := bus.Publish(context.Background(), &Envelope{EventType: et, Timestamp: time.Now()}); err != nil {
			t.Fatalf("Publish вернул ошибку: %v", err)
		}
	}

	// Доставка асинхронная — ждём дренажа буфера
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n == 2 || time.Now().After(deadline) {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 {
		t.Fatalf("Фильтр должен был пропустить ровно 2 события, получено %d", len(got))
	}
	for _, et := range got {
		if et != EventTileGenerated {
			t.Errorf("Фильтр пропустил чужой тип события: %s", et)
		}
	}
}

func TestMemoryBusUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(16)
	defer bus.Close()

	var mu sync.Mutex
	delivered := 0

	sub, err := bus.Subscribe(context.Background(), Filter{}, func(ctx context.Context, ev *Envelope) {
		mu.Lock()
		delivered++
		mu.Unlock()
	})
	if err != nil {
		t.Fatal(err)
	}

	bus.Publish(context.Background(), &Envelope{EventType: EventRunStarted})
	time.Sleep(50 * time.Millisecond)

	sub.Unsubscribe()
	bus.Publish(context.Background(), &Envelope{EventType: EventRunCompleted})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if delivered != 1 {
		t.Errorf("После отписки события не должны доставляться, доставлено %d", delivered)
	}
}

func TestMemoryBusMetrics(t *testing.T) {
	bus := NewMemoryBus(4)
	defer bus.Close()

	for i := 0; i < 3; i++ {
		bus.Publish(context.Background(), &Envelope{EventType: EventTileGenerated})
	}
	time.Sleep(50 * time.Millisecond)

	stats := bus.Metrics()
	if stats.Published != 3 {
		t.Errorf("Ожидалось 3 опубликованных события, получено %d", stats.Published)
	}
}
