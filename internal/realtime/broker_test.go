package realtime

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case event, ok := <-ch:
		require.True(t, ok, "channel closed")
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertSilent(t *testing.T, ch <-chan Event) {
	t.Helper()
	select {
	case event := <-ch:
		t.Fatalf("unexpected event %+v", event)
	case <-time.After(50 * time.Millisecond):
	}
}

func waitClosed(t *testing.T, ch <-chan Event) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("subscription was not closed")
		}
	}
}

func TestLocalBrokerRoutesByCommittee(t *testing.T) {
	defer goleak.VerifyNone(t)
	broker := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())

	board, err := broker.Subscribe(ctx, "cmt_board")
	require.NoError(t, err)
	budget, err := broker.Subscribe(ctx, "cmt_budget")
	require.NoError(t, err)
	all, err := broker.Subscribe(ctx, "")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, Event{Type: EventMotionCreated, CommitteeID: "cmt_board", ID: "mot_1"}))

	assert.Equal(t, "mot_1", receive(t, board).ID)
	assert.Equal(t, "mot_1", receive(t, all).ID)
	assertSilent(t, budget)

	cancel()
	for _, ch := range []<-chan Event{board, budget, all} {
		waitClosed(t, ch)
	}
}

func TestLocalBrokerDropsWhenSubscriberLags(t *testing.T) {
	defer goleak.VerifyNone(t)
	broker := NewLocalBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := broker.Subscribe(ctx, "cmt_board")
	require.NoError(t, err)
	for i := 0; i < subscriberBuffer+10; i++ {
		require.NoError(t, broker.Publish(ctx, Event{Type: EventMotionUpdated, CommitteeID: "cmt_board"}))
	}
	assert.Len(t, ch, subscriberBuffer)
	require.NoError(t, broker.Close())
}

func TestRedisBrokerPublishSubscribe(t *testing.T) {
	s := miniredis.RunT(t)
	broker, err := NewRedisBroker("redis://"+s.Addr(), nil)
	require.NoError(t, err)
	defer broker.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	board, err := broker.Subscribe(ctx, "cmt_board")
	require.NoError(t, err)
	all, err := broker.Subscribe(ctx, "")
	require.NoError(t, err)

	require.NoError(t, broker.Publish(ctx, Event{Type: EventDiscussionCreated, CommitteeID: "cmt_board", ID: "dsc_1"}))
	require.NoError(t, broker.Publish(ctx, Event{Type: EventMotionCreated, CommitteeID: "cmt_budget", ID: "mot_2"}))

	got := receive(t, board)
	assert.Equal(t, EventDiscussionCreated, got.Type)
	assert.Equal(t, "dsc_1", got.ID)

	seen := map[string]bool{}
	seen[receive(t, all).ID] = true
	seen[receive(t, all).ID] = true
	assert.True(t, seen["dsc_1"] && seen["mot_2"], "wildcard subscriber saw %v", seen)
	assertSilent(t, board)
}

func TestNewRedisBrokerFailsWhenUnreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()
	_, err := NewRedisBroker("redis://"+addr, nil)
	assert.Error(t, err)
}
