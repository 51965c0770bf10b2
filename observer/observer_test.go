package observer

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/enricoaquilina/ss-automation/discord"
)

func newTestObserver(t *testing.T) *Observer {
	t.Helper()
	o := NewWithGrace(10*time.Millisecond, zerolog.Nop())
	t.Cleanup(o.Close)
	return o
}

func msg(id, channel, content string) *discord.Message {
	return &discord.Message{ID: id, ChannelID: channel, Content: content}
}

// collect drains events from a subscription until timeout.
func collect(sub *Subscription, max int, timeout time.Duration) []Event {
	var events []Event
	deadline := time.After(timeout)
	for len(events) < max {
		select {
		case ev := <-sub.C:
			events = append(events, ev)
		case <-deadline:
			return events
		}
	}
	return events
}

func TestDedupeAcrossSessions(t *testing.T) {
	o := newTestObserver(t)
	sub := o.Subscribe(func(Event) bool { return true })
	defer sub.Cancel()

	// Same message arriving from both gateway sessions.
	m := msg(discord.MakeSnowflake(time.Now()), "chan", "hello")
	o.Publish(MessageCreate, m)
	o.Publish(MessageCreate, m)

	events := collect(sub, 2, 100*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, m.ID, events[0].Message.ID)
}

func TestEditsAreNotDeduped(t *testing.T) {
	o := newTestObserver(t)
	sub := o.Subscribe(func(Event) bool { return true })
	defer sub.Cancel()

	id := discord.MakeSnowflake(time.Now())
	first := msg(id, "chan", "generating (10%)")
	second := msg(id, "chan", "generating (50%)")
	o.Publish(MessageUpdate, first)
	o.Publish(MessageUpdate, second)

	events := collect(sub, 2, 200*time.Millisecond)
	assert.Len(t, events, 2)
}

func TestSnowflakeOrderingWithinGrace(t *testing.T) {
	o := newTestObserver(t)
	sub := o.Subscribe(func(Event) bool { return true })
	defer sub.Cancel()

	base := time.Now()
	older := msg(discord.MakeSnowflake(base), "chan", "older")
	newer := msg(discord.MakeSnowflake(base.Add(5*time.Millisecond)), "chan", "newer")

	// Delivered newest first, released oldest first.
	o.Publish(MessageCreate, newer)
	o.Publish(MessageCreate, older)

	events := collect(sub, 2, 200*time.Millisecond)
	require.Len(t, events, 2)
	assert.Equal(t, "older", events[0].Message.Content)
	assert.Equal(t, "newer", events[1].Message.Content)
}

func TestPredicateFilters(t *testing.T) {
	o := newTestObserver(t)
	sub := o.Subscribe(func(ev Event) bool { return ev.Kind == MessageDelete })
	defer sub.Cancel()

	base := time.Now()
	o.Publish(MessageCreate, msg(discord.MakeSnowflake(base), "chan", "create"))
	o.Publish(MessageDelete, msg(discord.MakeSnowflake(base.Add(time.Millisecond)), "chan", ""))

	events := collect(sub, 2, 100*time.Millisecond)
	require.Len(t, events, 1)
	assert.Equal(t, MessageDelete, events[0].Kind)
}

func TestCancelStopsDelivery(t *testing.T) {
	o := newTestObserver(t)
	sub := o.Subscribe(func(Event) bool { return true })

	sub.Cancel()
	sub.Cancel() // idempotent

	o.Publish(MessageCreate, msg(discord.MakeSnowflake(time.Now()), "chan", "x"))
	events := collect(sub, 1, 50*time.Millisecond)
	assert.Empty(t, events)
}

func TestMalformedSnowflakeDropped(t *testing.T) {
	o := newTestObserver(t)
	sub := o.Subscribe(func(Event) bool { return true })
	defer sub.Cancel()

	o.Publish(MessageCreate, msg("not-a-snowflake", "chan", "x"))
	events := collect(sub, 1, 50*time.Millisecond)
	assert.Empty(t, events)
}

func TestCloseIsIdempotent(t *testing.T) {
	o := NewWithGrace(10*time.Millisecond, zerolog.Nop())
	o.Close()
	o.Close()
}
