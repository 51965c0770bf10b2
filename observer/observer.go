// Package observer fans gateway message events out to subscribers.
// Events from both sessions are merged, deduplicated by message id and
// released in per-channel snowflake order after a short grace window.
package observer

import (
	"container/heap"
	"strconv"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/enricoaquilina/ss-automation/discord"
)

// Kind is the event kind a subscriber receives.
type Kind int

// Supported event kinds.
const (
	MessageCreate Kind = iota
	MessageUpdate
	MessageDelete
)

func (k Kind) String() string {
	switch k {
	case MessageCreate:
		return "create"
	case MessageUpdate:
		return "update"
	case MessageDelete:
		return "delete"
	}
	return "unknown"
}

// Event pairs a kind with the message payload. Delete events carry only
// the id and channel id.
type Event struct {
	Kind    Kind
	Message *discord.Message
}

// Predicate decides whether a subscriber receives an event. Predicates
// run on the dispatch goroutine and must not block.
type Predicate func(Event) bool

// DefaultGrace is how long a message is buffered so that an
// out-of-order sibling may still be slotted before it.
const DefaultGrace = 2 * time.Second

// dedupeSize bounds the seen-id set.
const dedupeSize = 10000

// subBuffer is each subscription's channel capacity. The dispatcher
// never blocks on a slow subscriber; overflow is dropped and logged.
const subBuffer = 64

// Subscription is one subscriber's handle. Cancel is idempotent.
type Subscription struct {
	C chan Event

	id   int64
	o    *Observer
	once sync.Once
}

// Cancel removes the subscription. The channel is not closed so racing
// deliveries never panic; it is simply abandoned.
func (s *Subscription) Cancel() {
	s.once.Do(func() {
		s.o.mu.Lock()
		delete(s.o.subs, s.id)
		s.o.mu.Unlock()
	})
}

type sub struct {
	pred Predicate
	ch   chan Event
}

// pending is a buffered event waiting out the grace window.
type pending struct {
	ev    Event
	order int64
	due   time.Time
}

// channelQueue orders pending events by snowflake id.
type channelQueue []*pending

func (q channelQueue) Len() int            { return len(q) }
func (q channelQueue) Less(i, j int) bool  { return q[i].order < q[j].order }
func (q channelQueue) Swap(i, j int)       { q[i], q[j] = q[j], q[i] }
func (q *channelQueue) Push(x interface{}) { *q = append(*q, x.(*pending)) }
func (q *channelQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// Observer merges events from both gateway sessions and delivers them
// to subscribers.
type Observer struct {
	mu     sync.Mutex
	subs   map[int64]*sub
	nextID int64

	seen     *lru.Cache[string, struct{}]
	channels map[string]*channelQueue

	grace time.Duration
	done  chan struct{}
	once  sync.Once
	log   zerolog.Logger
}

// New creates an observer and starts its release loop.
func New(log zerolog.Logger) *Observer {
	return NewWithGrace(DefaultGrace, log)
}

// NewWithGrace creates an observer with a custom reorder window.
func NewWithGrace(grace time.Duration, log zerolog.Logger) *Observer {
	seen, _ := lru.New[string, struct{}](dedupeSize)
	o := &Observer{
		subs:     make(map[int64]*sub),
		seen:     seen,
		channels: make(map[string]*channelQueue),
		grace:    grace,
		done:     make(chan struct{}),
		log:      log,
	}
	go o.run()
	return o
}

// Subscribe registers a predicate and returns a cancellable
// subscription.
func (o *Observer) Subscribe(pred Predicate) *Subscription {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.nextID++
	s := &sub{pred: pred, ch: make(chan Event, subBuffer)}
	o.subs[o.nextID] = s
	return &Subscription{C: s.ch, id: o.nextID, o: o}
}

// dedupeKey distinguishes repeated deliveries of the same payload from
// legitimate successive edits.
func dedupeKey(kind Kind, m *discord.Message) string {
	switch kind {
	case MessageUpdate:
		return "u:" + m.ID + ":" + string(m.EditedTimestamp) + ":" + m.Content
	case MessageDelete:
		return "d:" + m.ID
	default:
		return "c:" + m.ID
	}
}

// Publish feeds one event in from a gateway session. Duplicates from
// the sibling session are dropped here.
func (o *Observer) Publish(kind Kind, m *discord.Message) {
	if m == nil || m.ID == "" {
		return
	}

	if found, _ := o.seen.ContainsOrAdd(dedupeKey(kind, m), struct{}{}); found {
		return
	}

	order, err := strconv.ParseInt(m.ID, 10, 64)
	if err != nil {
		o.log.Warn().Str("id", m.ID).Msg("dropping event with malformed snowflake")
		return
	}

	o.mu.Lock()
	q, ok := o.channels[m.ChannelID]
	if !ok {
		q = &channelQueue{}
		heap.Init(q)
		o.channels[m.ChannelID] = q
	}
	heap.Push(q, &pending{
		ev:    Event{Kind: kind, Message: m},
		order: order,
		due:   time.Now().Add(o.grace),
	})
	o.mu.Unlock()
}

// run releases buffered events whose grace window has elapsed, in
// snowflake order per channel.
func (o *Observer) run() {
	tick := o.grace / 4
	if tick < 5*time.Millisecond {
		tick = 5 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-o.done:
			return
		case now := <-ticker.C:
			o.release(now)
		}
	}
}

func (o *Observer) release(now time.Time) {
	var ready []Event

	o.mu.Lock()
	for _, q := range o.channels {
		for q.Len() > 0 && !(*q)[0].due.After(now) {
			ready = append(ready, heap.Pop(q).(*pending).ev)
		}
	}
	subs := make([]*sub, 0, len(o.subs))
	for _, s := range o.subs {
		subs = append(subs, s)
	}
	o.mu.Unlock()

	for _, ev := range ready {
		for _, s := range subs {
			if !s.pred(ev) {
				continue
			}
			select {
			case s.ch <- ev:
			default:
				o.log.Warn().Str("kind", ev.Kind.String()).Str("id", ev.Message.ID).Msg("subscriber buffer full, dropping event")
			}
		}
	}
}

// Close stops the release loop and drops all subscriptions.
func (o *Observer) Close() {
	o.once.Do(func() {
		close(o.done)
		o.mu.Lock()
		o.subs = make(map[int64]*sub)
		o.channels = make(map[string]*channelQueue)
		o.mu.Unlock()
	})
}
