// Package memlog implements eventlog.EventLog and eventlog.MembershipLog
// entirely in process memory. It backs the Local backend (spec.md §2.3)
// and is the substrate every unit test in this module runs against.
//
// The fan-out shape is grounded on internal/rpc/server_events.go's
// per-watcher buffered-channel loop, generalized from "drop if slow"
// (acceptable for an auxiliary SSE feed) to "never drop" — ordering
// guarantee 3 in spec.md §5 forbids losing or duplicating events
// across the catch-up/live boundary.
package memlog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/eventlog"
)

type entry struct {
	id  uuid.UUID
	rec change.Record
}

// Log is an in-memory EventLog.
type Log struct {
	mu        sync.Mutex
	records   []entry
	subs      map[int64]*subscriber
	nextSubID int64
	closed    bool
}

// New creates an empty in-memory EventLog.
func New() *Log {
	return &Log{subs: make(map[int64]*subscriber)}
}

type subscriber struct {
	cond   *sync.Cond
	queue  []entry
	closed bool
}

func (s *subscriber) push(e entry) {
	s.cond.L.Lock()
	s.queue = append(s.queue, e)
	s.cond.L.Unlock()
	s.cond.Signal()
}

func (s *subscriber) stop() {
	s.cond.L.Lock()
	s.closed = true
	s.cond.L.Unlock()
	s.cond.Broadcast()
}

// SubmitEvent implements eventlog.EventLog.
func (l *Log) SubmitEvent(_ context.Context, id uuid.UUID, rec change.Record) error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return context.Canceled
	}
	e := entry{id: id, rec: rec}
	l.records = append(l.records, e)
	subs := make([]*subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		s.push(e)
	}
	return nil
}

// Subscribe implements eventlog.EventLog.
func (l *Log) Subscribe(ctx context.Context, sinceID *uuid.UUID, h eventlog.Handler) (eventlog.Subscription, error) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, context.Canceled
	}

	start := 0
	if sinceID != nil {
		found := -1
		for i, e := range l.records {
			if e.id == *sinceID {
				found = i
				break
			}
		}
		if found == -1 {
			l.mu.Unlock()
			return nil, eventlog.ErrEventIDNotFound
		}
		start = found + 1
	}

	replay := append([]entry(nil), l.records[start:]...)

	s := &subscriber{cond: sync.NewCond(&sync.Mutex{})}
	id := l.nextSubID
	l.nextSubID++
	l.subs[id] = s
	l.mu.Unlock()

	for _, e := range replay {
		h(e.id, e.rec)
	}

	go func() {
		for {
			s.cond.L.Lock()
			for len(s.queue) == 0 && !s.closed {
				s.cond.Wait()
			}
			if len(s.queue) == 0 && s.closed {
				s.cond.L.Unlock()
				return
			}
			next := s.queue[0]
			s.queue = s.queue[1:]
			s.cond.L.Unlock()
			h(next.id, next.rec)
		}
	}()

	return &subscription{log: l, id: id, sub: s}, nil
}

// Truncate implements eventlog.EventLog.
func (l *Log) Truncate(_ context.Context, id uuid.UUID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	idx := -1
	for i, e := range l.records {
		if e.id == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil // no-op: id absent, truncation is advisory (spec.md §2.1)
	}
	l.records = append([]entry(nil), l.records[idx+1:]...)
	return nil
}

// Close implements eventlog.EventLog.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := make([]*subscriber, 0, len(l.subs))
	for _, s := range l.subs {
		subs = append(subs, s)
	}
	l.subs = nil
	l.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

type subscription struct {
	log  *Log
	id   int64
	sub  *subscriber
	once sync.Once
}

func (s *subscription) Unsubscribe() {
	s.once.Do(func() {
		s.log.mu.Lock()
		delete(s.log.subs, s.id)
		s.log.mu.Unlock()
		s.sub.stop()
	})
}
