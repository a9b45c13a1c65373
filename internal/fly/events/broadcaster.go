package events

import "sync"

const defaultHistoryLimit = 5000

// Broadcaster fans events out to subscribers with history replay. A
// subscriber that falls behind is dropped rather than stalling the
// publisher. Events whose id was already seen are ignored.
type Broadcaster struct {
	mu       sync.Mutex
	history  []Event
	limit    int
	seen     map[string]struct{}
	subs     map[uint64]chan Event
	nextSub  uint64
	closed   bool
	finished chan struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		limit:    defaultHistoryLimit,
		seen:     make(map[string]struct{}),
		subs:     make(map[uint64]chan Event),
		finished: make(chan struct{}),
	}
}

func (b *Broadcaster) Send(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	if ev.ID != "" {
		if _, dup := b.seen[ev.ID]; dup {
			return
		}
		b.seen[ev.ID] = struct{}{}
	}
	b.history = append(b.history, ev)
	if len(b.history) > b.limit {
		drop := len(b.history) - b.limit
		for _, old := range b.history[:drop] {
			delete(b.seen, old.ID)
		}
		b.history = append([]Event(nil), b.history[drop:]...)
	}
	for id, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			close(ch)
			delete(b.subs, id)
		}
	}
}

// Subscribe replays history then streams live events. done closes only when
// the broadcaster itself is closed, so a closed events channel with done
// still open means this subscriber was dropped.
func (b *Broadcaster) Subscribe() (events <-chan Event, done <-chan struct{}, cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, len(b.history)+256)
	for _, ev := range b.history {
		ch <- ev
	}
	if b.closed {
		close(ch)
		return ch, b.finished, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = ch
	return ch, b.finished, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
}

func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.finished)
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
}

func (b *Broadcaster) History() []Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Event(nil), b.history...)
}
