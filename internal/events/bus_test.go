package events

import (
	"sync"
	"testing"
	"time"

	"github.com/neurospicy/fibi/internal/models"
)

func TestPublishDeliversToSyncSubscribersInOrder(t *testing.T) {
	bus := NewBus()
	var order []int
	bus.SubscribeSync(KindTimerSet, func(Event) { order = append(order, 1) })
	bus.SubscribeSync(KindTimerSet, func(Event) { order = append(order, 2) })

	bus.Publish(TimerSet{Timer: models.Timer{ID: "t-1"}})

	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Errorf("delivery order = %v", order)
	}
}

func TestPublishMatchesByKind(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.SubscribeSync(KindTimerSet, func(ev Event) { got = append(got, ev.Kind()) })

	bus.Publish(TimerRemoved{Owner: "friend-1", TimerID: "t-1"})

	if len(got) != 0 {
		t.Errorf("subscriber received non-matching kinds: %v", got)
	}
}

func TestEmptyKindSubscribesToEverything(t *testing.T) {
	bus := NewBus()
	var got []string
	bus.SubscribeSync("", func(ev Event) { got = append(got, ev.Kind()) })

	bus.Publish(TimerSet{Timer: models.Timer{ID: "t-1"}})
	bus.Publish(TimerRemoved{Owner: "friend-1", TimerID: "t-1"})

	if len(got) != 2 {
		t.Errorf("catch-all subscriber saw %v, want both events", got)
	}
}

func TestPanickingSubscriberDoesNotStopDelivery(t *testing.T) {
	bus := NewBus()
	delivered := false
	bus.SubscribeSync(KindTimerSet, func(Event) { panic("boom") })
	bus.SubscribeSync(KindTimerSet, func(Event) { delivered = true })

	bus.Publish(TimerSet{Timer: models.Timer{ID: "t-1"}})

	if !delivered {
		t.Error("second subscriber never ran")
	}
}

func TestAsyncSubscriberRunsOffPublisherGoroutine(t *testing.T) {
	bus := NewBus()
	var wg sync.WaitGroup
	wg.Add(1)
	bus.Subscribe(KindTimerSet, func(Event) { wg.Done() })

	bus.Publish(TimerSet{Timer: models.Timer{ID: "t-1"}})

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async subscriber never ran")
	}
}

func TestNilBusPublishIsNoOp(t *testing.T) {
	var bus *Bus
	bus.SubscribeSync(KindTimerSet, func(Event) { t.Error("subscriber on nil bus ran") })
	bus.Publish(TimerSet{Timer: models.Timer{ID: "t-1"}})
	bus.Publish(nil)
}
