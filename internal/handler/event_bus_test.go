package handler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/baileyji/M2FS-Control-sub000/internal/model"
)

func startBus(t *testing.T) *EventBus {
	t.Helper()
	bus := NewEventBus(zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go bus.Start(ctx)
	return bus
}

func receive(t *testing.T, events <-chan model.Event) model.Event {
	t.Helper()
	select {
	case event := <-events:
		return event
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return model.Event{}
	}
}

func TestEventBus_DeliversByType(t *testing.T) {
	bus := startBus(t)
	replied, unsubscribeReplied := bus.Subscribe(model.EventCommandReplied)
	defer unsubscribeReplied()
	all, unsubscribeAll := bus.Subscribe(AllEvents)
	defer unsubscribeAll()

	bus.Publish(model.NewEvent(model.EventConnectionOpened, "GalilAgent", "client-1", nil))
	bus.Publish(model.NewEvent(model.EventCommandReplied, "GalilAgent", "client-1", model.JSONObject{"reply": "OK"}))

	assert.Equal(t, model.EventConnectionOpened, receive(t, all).Type)
	assert.Equal(t, model.EventCommandReplied, receive(t, all).Type)

	event := receive(t, replied)
	assert.Equal(t, model.EventCommandReplied, event.Type)
	assert.Equal(t, "OK", event.Data["reply"])
	assert.Empty(t, replied)
}

func TestEventBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := startBus(t)
	events, unsubscribe := bus.Subscribe(AllEvents)

	unsubscribe()
	unsubscribe()

	_, ok := <-events
	assert.False(t, ok)

	bus.Publish(model.NewEvent(model.EventCommandReceived, "GalilAgent", "client-1", nil))
	other, unsubscribeOther := bus.Subscribe(AllEvents)
	defer unsubscribeOther()
	bus.Publish(model.NewEvent(model.EventCommandReceived, "GalilAgent", "client-1", nil))
	require.Equal(t, model.EventCommandReceived, receive(t, other).Type)
}

func TestEventBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := startBus(t)
	slow, unsubscribeSlow := bus.Subscribe(AllEvents)
	defer unsubscribeSlow()

	for i := 0; i < 150; i++ {
		bus.Publish(model.NewEvent(model.EventCommandReceived, "GalilAgent", "client-1", nil))
	}

	fresh, unsubscribeFresh := bus.Subscribe(model.EventCommandReplied)
	defer unsubscribeFresh()
	bus.Publish(model.NewEvent(model.EventCommandReplied, "GalilAgent", "client-1", nil))

	assert.Equal(t, model.EventCommandReplied, receive(t, fresh).Type)
	assert.Len(t, slow, cap(slow))
}
