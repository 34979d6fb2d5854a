package notify_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/giada-tronca/cold-outreach-2-sub004/pkg/notify"
)

// drainAck consumes the connected handshake event every new subscription
// receives first.
func drainAck(t *testing.T, sub *notify.Subscription) {
	t.Helper()
	select {
	case event := <-sub.C:
		assert.Equal(t, notify.EventConnected, event.Type)
	case <-time.After(time.Second):
		t.Fatal("no connected event received")
	}
}

func receive(t *testing.T, sub *notify.Subscription) notify.Event {
	t.Helper()
	select {
	case event := <-sub.C:
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return notify.Event{}
	}
}

func TestHub(t *testing.T) {
	t.Run("SubscribeReceivesConnectedAck", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(0))
		defer hub.Stop()

		sub, err := hub.Subscribe("user-1")
		assert.NoError(t, err)
		drainAck(t, sub)
		assert.Equal(t, 1, hub.SubscriberCount("user-1"))
	})

	t.Run("PublishReachesAllSubscriptionsOfKey", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(0))
		defer hub.Stop()

		a, err := hub.Subscribe("user-1")
		assert.NoError(t, err)
		b, err := hub.Subscribe("user-1")
		assert.NoError(t, err)
		other, err := hub.Subscribe("user-2")
		assert.NoError(t, err)
		drainAck(t, a)
		drainAck(t, b)
		drainAck(t, other)

		sent := hub.Publish("user-1", notify.EventJobProgress, map[string]interface{}{"percent": 50})
		assert.Equal(t, 2, sent)

		for _, sub := range []*notify.Subscription{a, b} {
			event := receive(t, sub)
			assert.Equal(t, notify.EventJobProgress, event.Type)
			assert.False(t, event.Timestamp.IsZero())
		}
		select {
		case event := <-other.C:
			t.Fatalf("subscriber of another key received %s", event.Type)
		case <-time.After(20 * time.Millisecond):
		}
	})

	t.Run("PublishWithoutSubscribersReturnsZero", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(0))
		defer hub.Stop()
		assert.Equal(t, 0, hub.Publish("nobody", notify.EventJobProgress, nil))
	})

	t.Run("SlowSubscriberIsPrunedNotBlockedOn", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(0), notify.WithBufferSize(1))
		defer hub.Stop()

		sub, err := hub.Subscribe("user-1")
		assert.NoError(t, err)
		// The ack already fills the 1-slot buffer; the next publish cannot
		// be delivered and drops the subscription instead of blocking.
		done := make(chan int, 1)
		go func() {
			done <- hub.Publish("user-1", notify.EventJobProgress, nil)
		}()
		select {
		case sent := <-done:
			assert.Equal(t, 0, sent)
		case <-time.After(time.Second):
			t.Fatal("publish blocked on a slow subscriber")
		}
		assert.Equal(t, 0, hub.SubscriberCount("user-1"))

		// The pruned subscription's channel is closed after the buffered ack.
		drainAck(t, sub)
		_, open := <-sub.C
		assert.False(t, open)
	})

	t.Run("UnsubscribeClosesChannel", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(0))
		defer hub.Stop()

		sub, err := hub.Subscribe("user-1")
		assert.NoError(t, err)
		drainAck(t, sub)

		hub.Unsubscribe(sub)
		_, open := <-sub.C
		assert.False(t, open)
		assert.Equal(t, 0, hub.SubscriberCount("user-1"))

		// Unsubscribing twice is harmless.
		hub.Unsubscribe(sub)
	})

	t.Run("CloseKeyDropsEverySubscription", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(0))
		defer hub.Stop()

		a, _ := hub.Subscribe("job-1")
		b, _ := hub.Subscribe("job-1")
		drainAck(t, a)
		drainAck(t, b)

		hub.CloseKey("job-1")
		for _, sub := range []*notify.Subscription{a, b} {
			_, open := <-sub.C
			assert.False(t, open)
		}
		assert.Equal(t, 0, hub.SubscriberCount("job-1"))
	})

	t.Run("BroadcastHitsEveryKey", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(0))
		defer hub.Stop()

		a, _ := hub.Subscribe("user-1")
		b, _ := hub.Subscribe("user-2")
		drainAck(t, a)
		drainAck(t, b)

		sent := hub.Broadcast(notify.EventHeartbeat, nil)
		assert.Equal(t, 2, sent)
		assert.Equal(t, notify.EventHeartbeat, receive(t, a).Type)
		assert.Equal(t, notify.EventHeartbeat, receive(t, b).Type)
	})

	t.Run("HeartbeatTicks", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(10 * time.Millisecond))
		defer hub.Stop()

		sub, err := hub.Subscribe("user-1")
		assert.NoError(t, err)
		drainAck(t, sub)

		event := receive(t, sub)
		assert.Equal(t, notify.EventHeartbeat, event.Type)
	})

	t.Run("StoppedHubRejectsSubscribe", func(t *testing.T) {
		hub := notify.NewHub(notify.WithHeartbeat(0))

		sub, err := hub.Subscribe("user-1")
		assert.NoError(t, err)
		drainAck(t, sub)

		hub.Stop()
		_, open := <-sub.C
		assert.False(t, open)

		_, err = hub.Subscribe("user-2")
		assert.ErrorIs(t, err, notify.ErrHubClosed)
		assert.Equal(t, 0, hub.Publish("user-1", notify.EventJobProgress, nil))

		// Stop is idempotent.
		hub.Stop()
	})
}
