package notify

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/buxton-project/buxton/internal/wire"
)

type sentFrame struct {
	subscriber SubscriberID
	key        string
	value      wire.Value
}

func TestChangedDeliversToRegisteredSubscribers(t *testing.T) {
	var sent []sentFrame
	r := NewRegistry(func(id SubscriberID, key string, value wire.Value) error {
		sent = append(sent, sentFrame{id, key, value})
		return nil
	})

	r.Notify(1, "demo.count", wire.Int32(7))
	r.Notify(2, "demo.count", wire.Int32(7))

	r.Changed("demo.count", wire.Int32(8))

	require.Len(t, sent, 2)
	require.Equal(t, SubscriberID(1), sent[0].subscriber)
	require.Equal(t, SubscriberID(2), sent[1].subscriber)
}

func TestChangedDoesNotFireForValueCapturedAtRegistration(t *testing.T) {
	var sent int
	r := NewRegistry(func(id SubscriberID, key string, value wire.Value) error {
		sent++
		return nil
	})

	r.Notify(1, "demo.count", wire.Int32(7)) // key already holds 7 at registration
	r.Changed("demo.count", wire.Int32(7))   // SET to the same value: no CHANGED
	r.Changed("demo.count", wire.Int32(8))   // SET to a different value: CHANGED

	require.Equal(t, 1, sent)
}

func TestChangedDedupsIdenticalValuePerSubscriber(t *testing.T) {
	var sent int
	r := NewRegistry(func(id SubscriberID, key string, value wire.Value) error {
		sent++
		return nil
	})

	r.Notify(1, "demo.count", wire.Int32(0))
	r.Changed("demo.count", wire.Int32(5))
	r.Changed("demo.count", wire.Int32(5)) // identical: deduped
	r.Changed("demo.count", wire.Int32(6)) // different: delivered

	require.Equal(t, 2, sent)
}

func TestChangedDistinguishesSubscriberStatesIndependently(t *testing.T) {
	delivered := map[SubscriberID]int{}
	r := NewRegistry(func(id SubscriberID, key string, value wire.Value) error {
		delivered[id]++
		return nil
	})

	r.Notify(1, "demo.count", wire.Int32(0))
	r.Changed("demo.count", wire.Int32(1))
	r.Notify(2, "demo.count", wire.Int32(1)) // joins after the change, seeing 1 already
	r.Changed("demo.count", wire.Int32(1))

	require.Equal(t, 1, delivered[1], "subscriber 1 already saw 1: deduped")
	require.Equal(t, 0, delivered[2], "subscriber 2 registered having already observed 1: no synthetic CHANGED")
}

func TestUnnotifyRemovesRegistrationAndEmptiesMapping(t *testing.T) {
	r := NewRegistry(func(id SubscriberID, key string, value wire.Value) error { return nil })

	r.Notify(1, "demo.count", wire.Int32(0))
	r.Unnotify(1, "demo.count")

	_, ok := r.byKey["demo.count"]
	require.False(t, ok, "empty registration list removes the mapping")
}

func TestNotifyReseedsOnReregistration(t *testing.T) {
	var sent int
	r := NewRegistry(func(id SubscriberID, key string, value wire.Value) error {
		sent++
		return nil
	})

	r.Notify(1, "demo.count", wire.Int32(0))
	r.Changed("demo.count", wire.Int32(1))
	r.Notify(1, "demo.count", wire.Int32(1)) // re-register: reseeds to the latest value
	r.Changed("demo.count", wire.Int32(1))

	require.Equal(t, 1, sent)
}

func TestSendFailureRemovesOnlyThatSubscriber(t *testing.T) {
	delivered := map[SubscriberID]int{}
	r := NewRegistry(func(id SubscriberID, key string, value wire.Value) error {
		delivered[id]++
		if id == 1 {
			return errors.New("write: broken pipe")
		}
		return nil
	})

	r.Notify(1, "demo.count", wire.Int32(0))
	r.Notify(2, "demo.count", wire.Int32(0))
	r.Changed("demo.count", wire.Int32(1))
	r.Changed("demo.count", wire.Int32(2))

	require.Equal(t, 1, delivered[1], "subscriber 1's failed write removes it from the registry")
	require.Equal(t, 2, delivered[2], "subscriber 2 keeps receiving notifications")
}

func TestRemoveSubscriberDropsEveryKey(t *testing.T) {
	r := NewRegistry(func(id SubscriberID, key string, value wire.Value) error { return nil })

	r.Notify(1, "demo.a", wire.Int32(0))
	r.Notify(1, "demo.b", wire.Int32(0))
	r.Notify(2, "demo.a", wire.Int32(0))

	r.RemoveSubscriber(1)

	require.Len(t, r.byKey["demo.a"], 1)
	_, ok := r.byKey["demo.b"]
	require.False(t, ok)
}
