package gateway

import (
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/rytrose/pumpkin-pedestals/internal/api"
)

func TestEventBusFanOut(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))
	a, unsubA := bus.Subscribe()
	b, unsubB := bus.Subscribe()
	defer unsubB()

	if bus.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", bus.Len())
	}
	bus.PublishData(api.MethodConnectionState, map[string]string{"state": "CONNECTED"})

	for name, ch := range map[string]<-chan api.Envelope{"a": a, "b": b} {
		env := <-ch
		var got struct{ State string }
		if err := env.Decode(&got); err != nil || env.Method != api.MethodConnectionState || got.State != "CONNECTED" {
			t.Fatalf("%s received %+v (%v)", name, env, err)
		}
	}

	unsubA()
	unsubA()
	if _, ok := <-a; ok {
		t.Fatal("channel not closed after unsubscribe")
	}
	if bus.Len() != 1 {
		t.Fatalf("Len() = %d after unsubscribe", bus.Len())
	}
}

func TestEventBusDropsForSlowConsumer(t *testing.T) {
	bus := NewEventBus(zaptest.NewLogger(t))
	ch, unsub := bus.Subscribe()
	defer unsub()

	for i := 0; i < 100; i++ {
		bus.PublishData(api.MethodGetPedestals, nil)
	}
	if n := len(ch); n != 64 {
		t.Fatalf("buffered %d events, want 64", n)
	}
}
