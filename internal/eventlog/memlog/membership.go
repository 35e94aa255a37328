package memlog

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/lattice-run/lattice/internal/eventlog"
)

type membershipEntry struct {
	nodeID uuid.UUID
	kind   eventlog.MembershipKind
}

// MembershipLog is an in-memory eventlog.MembershipLog. Unlike Log, it
// has no catch-up requirement — subscribers only care about LEAVE
// events from the moment they start watching (spec.md §2.2/§4.3).
type MembershipLog struct {
	mu        sync.Mutex
	subs      map[int64]*membershipSub
	nextSubID int64
	closed    bool
}

// NewMembershipLog creates an empty in-memory MembershipLog.
func NewMembershipLog() *MembershipLog {
	return &MembershipLog{subs: make(map[int64]*membershipSub)}
}

type membershipSub struct {
	cond   *sync.Cond
	queue  []membershipEntry
	closed bool
}

func (s *membershipSub) push(e membershipEntry) {
	s.cond.L.Lock()
	s.queue = append(s.queue, e)
	s.cond.L.Unlock()
	s.cond.Signal()
}

func (s *membershipSub) stop() {
	s.cond.L.Lock()
	s.closed = true
	s.cond.L.Unlock()
	s.cond.Broadcast()
}

// Announce implements eventlog.MembershipLog.
func (m *MembershipLog) Announce(_ context.Context, nodeID uuid.UUID, kind eventlog.MembershipKind) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return context.Canceled
	}
	e := membershipEntry{nodeID: nodeID, kind: kind}
	subs := make([]*membershipSub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.mu.Unlock()

	for _, s := range subs {
		s.push(e)
	}
	return nil
}

// Subscribe implements eventlog.MembershipLog.
func (m *MembershipLog) Subscribe(_ context.Context, h eventlog.MembershipHandler) (eventlog.Subscription, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, context.Canceled
	}
	s := &membershipSub{cond: sync.NewCond(&sync.Mutex{})}
	id := m.nextSubID
	m.nextSubID++
	m.subs[id] = s
	m.mu.Unlock()

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
			h(next.nodeID, next.kind)
		}
	}()

	return &membershipSubscription{log: m, id: id, sub: s}, nil
}

// Close implements eventlog.MembershipLog.
func (m *MembershipLog) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := make([]*membershipSub, 0, len(m.subs))
	for _, s := range m.subs {
		subs = append(subs, s)
	}
	m.subs = nil
	m.mu.Unlock()

	for _, s := range subs {
		s.stop()
	}
	return nil
}

type membershipSubscription struct {
	log  *MembershipLog
	id   int64
	sub  *membershipSub
	once sync.Once
}

func (s *membershipSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.log.mu.Lock()
		delete(s.log.subs, s.id)
		s.log.mu.Unlock()
		s.sub.stop()
	})
}
