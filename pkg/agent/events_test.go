package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventHub_PublishSubscribe(t *testing.T) {
	hub := NewEventHub()

	ch, cancel := hub.Subscribe("conv-1", 4)
	defer cancel()

	hub.Publish(StreamEvent{ConversationID: "conv-1", Text: "hello"})
	hub.Publish(StreamEvent{ConversationID: "conv-1", Final: true})

	ev := <-ch
	assert.Equal(t, "hello", ev.Text)
	assert.Equal(t, 1, ev.Seq)
	assert.False(t, ev.Final)

	ev = <-ch
	assert.True(t, ev.Final)
	assert.Equal(t, 2, ev.Seq)
}

func TestEventHub_ConversationIsolation(t *testing.T) {
	hub := NewEventHub()

	chA, cancelA := hub.Subscribe("conv-a", 4)
	defer cancelA()
	chB, cancelB := hub.Subscribe("conv-b", 4)
	defer cancelB()

	hub.Publish(StreamEvent{ConversationID: "conv-a", Text: "for a"})

	ev := <-chA
	assert.Equal(t, "for a", ev.Text)

	select {
	case <-chB:
		t.Fatal("conv-b subscriber received conv-a event")
	default:
	}
}

func TestEventHub_SlowSubscriberDrops(t *testing.T) {
	hub := NewEventHub()

	ch, cancel := hub.Subscribe("conv-1", 1)
	defer cancel()

	hub.Publish(StreamEvent{ConversationID: "conv-1", Text: "first"})
	// Buffer full; dropped rather than blocking
	hub.Publish(StreamEvent{ConversationID: "conv-1", Text: "second"})

	ev := <-ch
	assert.Equal(t, "first", ev.Text)

	select {
	case ev := <-ch:
		t.Fatalf("expected drop, got %q", ev.Text)
	default:
	}
}

func TestEventHub_SeqResetsAfterFinal(t *testing.T) {
	hub := NewEventHub()

	ch, cancel := hub.Subscribe("conv-1", 8)
	defer cancel()

	hub.Publish(StreamEvent{ConversationID: "conv-1", Text: "a"})
	hub.Publish(StreamEvent{ConversationID: "conv-1", Final: true})
	hub.Publish(StreamEvent{ConversationID: "conv-1", Text: "b"})

	<-ch
	<-ch
	ev := <-ch
	require.Equal(t, "b", ev.Text)
	assert.Equal(t, 1, ev.Seq)
}

func TestEventHub_CancelClosesChannel(t *testing.T) {
	hub := NewEventHub()

	ch, cancel := hub.Subscribe("conv-1", 1)
	cancel()
	cancel() // idempotent

	_, open := <-ch
	assert.False(t, open)
}
