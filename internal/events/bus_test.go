package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBusDeliversToTenantOnly(t *testing.T) {
	bus := NewBus(nil)
	require.NoError(t, bus.Start(context.Background()))

	mine, cancelMine := bus.Subscribe("t1")
	defer cancelMine()
	other, cancelOther := bus.Subscribe("t2")
	defer cancelOther()

	bus.Publish(context.Background(), Event{Type: PageConfirmed, TenantID: "t1", PageID: "p1", TransactionCount: 3})

	select {
	case ev := <-mine:
		assert.Equal(t, PageConfirmed, ev.Type)
		assert.Equal(t, 3, ev.TransactionCount)
		assert.False(t, ev.At.IsZero())
	case <-time.After(time.Second):
		t.Fatal("expected event for t1")
	}
	select {
	case ev := <-other:
		t.Fatalf("t2 received %+v", ev)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe("t1")
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)
	bus.Publish(context.Background(), Event{Type: PageDeclined, TenantID: "t1"})
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe("t1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish(context.Background(), Event{Type: PageConfirmed, TenantID: "t1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}

func TestSubscribeAllSeesEveryTenant(t *testing.T) {
	bus := NewBus(nil)
	all, cancel := bus.SubscribeAll()
	defer cancel()

	bus.Publish(context.Background(), Event{Type: PageConfirmed, TenantID: "t1"})
	bus.Publish(context.Background(), Event{Type: PageDeclined, TenantID: "t2"})

	var tenants []string
	for i := 0; i < 2; i++ {
		select {
		case ev := <-all:
			tenants = append(tenants, ev.TenantID)
		case <-time.After(time.Second):
			t.Fatal("expected two events")
		}
	}
	assert.Equal(t, []string{"t1", "t2"}, tenants)
}
