package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browserbase-orchestrator/pkg/models"
)

func recv(t *testing.T, sub *Subscription) models.TaskEvent {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return models.TaskEvent{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := NewBroker(4, nil)
	defer b.Close()

	one := b.Subscribe("t1")
	all := b.Subscribe(AllTasks)
	other := b.Subscribe("t2")

	b.Publish(models.TaskEvent{Type: models.EventQueued, TaskID: "t1"})

	ev := recv(t, one)
	assert.Equal(t, models.EventQueued, ev.Type)
	assert.False(t, ev.Timestamp.IsZero())
	assert.Equal(t, "t1", recv(t, all).TaskID)

	select {
	case ev := <-other.C:
		t.Fatalf("unexpected event %v", ev)
	default:
	}
}

func TestPublish_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker(1, nil)
	defer b.Close()
	sub := b.Subscribe("t1")

	for i := 0; i < 5; i++ {
		b.Publish(models.TaskEvent{Type: models.EventCheckpoint, TaskID: "t1", Iteration: i})
	}

	ev := recv(t, sub)
	assert.Equal(t, 0, ev.Iteration)
	select {
	case <-sub.C:
		t.Fatal("overflow events should have been dropped")
	default:
	}
}

func TestSubscriptionClose(t *testing.T) {
	b := NewBroker(1, nil)
	defer b.Close()

	sub := b.Subscribe("t1")
	assert.Equal(t, 1, b.Subscribers("t1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, b.Subscribers("t1"))

	_, ok := <-sub.C
	assert.False(t, ok)

	b.Publish(models.TaskEvent{Type: models.EventFailed, TaskID: "t1"})
}

func TestBrokerClose(t *testing.T) {
	b := NewBroker(1, nil)
	sub := b.Subscribe("t1")

	b.Close()
	_, ok := <-sub.C
	assert.False(t, ok)
	sub.Close()

	late := b.Subscribe("t1")
	_, ok = <-late.C
	assert.False(t, ok, "subscriptions after close start closed")
}
