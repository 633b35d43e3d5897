package eventbus

import (
	"sync"
	"testing"
)

func TestPublish_deliversToAllSubscribers(t *testing.T) {
	b := New()
	var mu sync.Mutex
	var got []string
	b.Subscribe(TopicChannelAdvanced, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		ca := payload.(ChannelAdvanced)
		got = append(got, ca.ChannelID)
	})
	b.Subscribe(TopicChannelAdvanced, func(payload any) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, "second")
	})
	b.Publish(TopicChannelAdvanced, ChannelAdvanced{ChannelID: "all", PostID: 1})

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != "all" || got[1] != "second" {
		t.Fatalf("got %v", got)
	}
}

func TestUnsubscribe_stopsDelivery(t *testing.T) {
	b := New()
	calls := 0
	unsub := b.Subscribe(TopicRefreshNeeded, func(payload any) {
		calls++
	})
	b.Publish(TopicRefreshNeeded, RefreshNeeded{ChannelID: "x"})
	unsub()
	b.Publish(TopicRefreshNeeded, RefreshNeeded{ChannelID: "x"})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestPublish_handlerPanicDoesNotStopOtherHandlers(t *testing.T) {
	b := New()
	second := false
	b.Subscribe(TopicPlaysetChanged, func(payload any) {
		panic("boom")
	})
	b.Subscribe(TopicPlaysetChanged, func(payload any) {
		second = true
	})
	b.Publish(TopicPlaysetChanged, PlaysetChanged{Name: "demo"})
	if !second {
		t.Fatal("second handler should still run after first panics")
	}
}

func TestPublish_noSubscribersIsNoop(t *testing.T) {
	b := New()
	b.Publish(TopicChannelAdvanced, ChannelAdvanced{})
}
