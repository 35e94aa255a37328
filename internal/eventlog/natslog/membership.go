package natslog

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/lattice-run/lattice/internal/eventlog"
)

type membershipEnvelope struct {
	NodeID uuid.UUID               `json:"node_id"`
	Kind   eventlog.MembershipKind `json:"kind"`
}

// MembershipLog is a JetStream-backed eventlog.MembershipLog shared by
// every node in the cluster.
type MembershipLog struct {
	js nats.JetStreamContext
}

// OpenMembershipLog ensures the cluster-wide membership stream exists.
func OpenMembershipLog(js nats.JetStreamContext) (*MembershipLog, error) {
	if _, err := js.StreamInfo(MembershipStream); err != nil {
		if _, err := js.AddStream(&nats.StreamConfig{
			Name:     MembershipStream,
			Subjects: []string{membershipSubject},
			Storage:  nats.FileStorage,
		}); err != nil {
			return nil, fmt.Errorf("natslog: create stream %s: %w", MembershipStream, err)
		}
	}
	return &MembershipLog{js: js}, nil
}

// Announce implements eventlog.MembershipLog.
func (m *MembershipLog) Announce(_ context.Context, nodeID uuid.UUID, kind eventlog.MembershipKind) error {
	data, err := json.Marshal(membershipEnvelope{NodeID: nodeID, Kind: kind})
	if err != nil {
		return fmt.Errorf("natslog: marshal membership event: %w", err)
	}
	_, err = m.js.Publish(membershipSubject, data)
	if err != nil {
		return fmt.Errorf("natslog: publish membership event: %w", err)
	}
	return nil
}

// Subscribe implements eventlog.MembershipLog. There is no catch-up
// requirement here (spec.md §2.2): subscribers only observe events
// published from this point forward.
func (m *MembershipLog) Subscribe(_ context.Context, h eventlog.MembershipHandler) (eventlog.Subscription, error) {
	sub, err := m.js.Subscribe(membershipSubject, func(msg *nats.Msg) {
		var env membershipEnvelope
		if err := json.Unmarshal(msg.Data, &env); err == nil {
			h(env.NodeID, env.Kind)
		}
	}, nats.BindStream(MembershipStream), nats.DeliverNew(), nats.AckNone())
	if err != nil {
		return nil, fmt.Errorf("natslog: subscribe membership: %w", err)
	}
	return &membershipSubscription{sub: sub}, nil
}

// Close implements eventlog.MembershipLog. The stream is left in
// place; only this process's handle is released.
func (m *MembershipLog) Close() error {
	return nil
}

type membershipSubscription struct {
	sub *nats.Subscription
}

func (s *membershipSubscription) Unsubscribe() {
	_ = s.sub.Unsubscribe()
}
