// Package natslog implements eventlog.EventLog and eventlog.MembershipLog
// on top of NATS JetStream, one stream per topic plus a single
// cluster-wide membership stream — the distributed substrate behind
// the "clustered backend" spec.md §2.3 allows alongside Local.
//
// Stream/subject naming is grounded on internal/eventbus/streams.go's
// EnsureStreams (one stream per concern, a fixed subject prefix per
// stream); the embedded-server bootstrap and health reporting pattern
// is grounded on internal/daemon/nats.go's StartNATSServer/Health.
package natslog

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/lattice-run/lattice/internal/change"
	"github.com/lattice-run/lattice/internal/eventlog"
)

const (
	// MembershipStream is the single cluster-wide stream carrying
	// backend-node JOIN/LEAVE events (spec.md §2.2).
	MembershipStream  = "CLUSTER_MEMBERSHIP"
	membershipSubject = "membership.events"

	// fetchTimeout bounds each pull-consumer Fetch call while draining
	// backlog or waiting for new messages.
	fetchTimeout = 5 * time.Second
	// idleFetchTimeout is used once a subscriber has drained the known
	// backlog and is just waiting for new live messages.
	idleFetchTimeout = 250 * time.Millisecond
)

var nonWordRE = regexp.MustCompile(`[^A-Za-z0-9_]`)

// StreamName returns the JetStream stream name for a topic id, sanitized
// the way stream names must be (no dots, spaces, wildcards).
func StreamName(topicID string) string {
	return "TOPIC_" + nonWordRE.ReplaceAllString(topicID, "_")
}

// Subject returns the JetStream subject a topic's events publish to.
func Subject(topicID string) string {
	return "topic." + nonWordRE.ReplaceAllString(topicID, "_") + ".events"
}

// envelope is the wire format published to JetStream: the tracking id
// alongside the change record it identifies.
type envelope struct {
	ID  uuid.UUID     `json:"id"`
	Rec change.Record `json:"rec"`
}

// Log is a JetStream-backed EventLog for a single topic.
type Log struct {
	js      nats.JetStreamContext
	stream  string
	subject string
}

// Open ensures the topic's stream exists and returns an EventLog bound
// to it.
func Open(js nats.JetStreamContext, topicID string) (*Log, error) {
	stream := StreamName(topicID)
	subject := Subject(topicID)
	if _, err := js.StreamInfo(stream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     stream,
			Subjects: []string{subject},
			Storage:  nats.FileStorage,
		}); err != nil {
			return nil, fmt.Errorf("natslog: create stream %s: %w", stream, err)
		}
	}
	return &Log{js: js, stream: stream, subject: subject}, nil
}

// SubmitEvent implements eventlog.EventLog.
func (l *Log) SubmitEvent(_ context.Context, id uuid.UUID, rec change.Record) error {
	data, err := json.Marshal(envelope{ID: id, Rec: rec})
	if err != nil {
		return fmt.Errorf("natslog: marshal event: %w", err)
	}
	_, err = l.js.Publish(l.subject, data)
	if err != nil {
		return fmt.Errorf("natslog: publish to %s: %w", l.subject, err)
	}
	return nil
}

// Subscribe implements eventlog.EventLog. It drains the stream's
// current backlog synchronously (skipping everything up to and
// including sinceID, if given), then keeps delivering newly published
// messages from a background goroutine until Unsubscribe is called.
func (l *Log) Subscribe(_ context.Context, sinceID *uuid.UUID, h eventlog.Handler) (eventlog.Subscription, error) {
	info, err := l.js.StreamInfo(l.stream)
	if err != nil {
		return nil, fmt.Errorf("natslog: stream info: %w", err)
	}
	backlog := info.State.Msgs

	sub, err := l.js.PullSubscribe(l.subject, "", nats.BindStream(l.stream), nats.DeliverAll(), nats.AckExplicit())
	if err != nil {
		return nil, fmt.Errorf("natslog: pull subscribe: %w", err)
	}

	found := sinceID == nil
	for i := uint64(0); i < backlog; i++ {
		msgs, err := sub.Fetch(1, nats.MaxWait(fetchTimeout))
		if err != nil || len(msgs) == 0 {
			_ = sub.Unsubscribe()
			return nil, fmt.Errorf("natslog: draining backlog: %w", err)
		}
		msg := msgs[0]
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			_ = msg.Ack()
			continue
		}
		_ = msg.Ack()

		if !found {
			if env.ID == *sinceID {
				found = true
			}
			continue
		}
		h(env.ID, env.Rec)
	}

	if !found {
		_ = sub.Unsubscribe()
		return nil, eventlog.ErrEventIDNotFound
	}

	subscription := &natsSubscription{sub: sub, done: make(chan struct{})}
	go subscription.pump(h)
	return subscription, nil
}

type natsSubscription struct {
	sub  *nats.Subscription
	done chan struct{}
}

func (s *natsSubscription) pump(h eventlog.Handler) {
	for {
		select {
		case <-s.done:
			return
		default:
		}
		msgs, err := s.sub.Fetch(1, nats.MaxWait(idleFetchTimeout))
		if err != nil {
			continue // timeout with no new messages, or transient — keep polling
		}
		for _, msg := range msgs {
			var env envelope
			if err := json.Unmarshal(msg.Data, &env); err == nil {
				h(env.ID, env.Rec)
			}
			_ = msg.Ack()
		}
	}
}

func (s *natsSubscription) Unsubscribe() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	_ = s.sub.Unsubscribe()
}

// Truncate implements eventlog.EventLog by purging every message up to
// and including id's sequence. A no-op if id is not found in the
// stream (spec.md §2.1).
func (l *Log) Truncate(_ context.Context, id uuid.UUID) error {
	seq, ok, err := l.findSequence(id)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	return l.js.PurgeStream(l.stream, &nats.StreamPurgeRequest{Sequence: seq + 1})
}

// findSequence scans the stream from the beginning for id, returning
// its JetStream sequence number.
func (l *Log) findSequence(id uuid.UUID) (uint64, bool, error) {
	info, err := l.js.StreamInfo(l.stream)
	if err != nil {
		return 0, false, fmt.Errorf("natslog: stream info: %w", err)
	}

	sub, err := l.js.PullSubscribe(l.subject, "", nats.BindStream(l.stream), nats.DeliverAll(), nats.AckNone())
	if err != nil {
		return 0, false, fmt.Errorf("natslog: pull subscribe: %w", err)
	}
	defer func() { _ = sub.Unsubscribe() }()

	for i := uint64(0); i < info.State.Msgs; i++ {
		msgs, err := sub.Fetch(1, nats.MaxWait(fetchTimeout))
		if err != nil || len(msgs) == 0 {
			return 0, false, nil
		}
		msg := msgs[0]
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err == nil && env.ID == id {
			return meta.Sequence.Stream, true, nil
		}
	}
	return 0, false, nil
}

// Close implements eventlog.EventLog. The underlying JetStream stream
// is left in place — Close only releases this process's handle.
func (l *Log) Close() error {
	return nil
}
