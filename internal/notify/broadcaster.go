package notify

import (
	"context"

	log "github.com/sirupsen/logrus"
)

// Refresh tells presentation clients watching OwnerID that the membership of a
// filtered relation over TargetCollection may have changed.
type Refresh struct {
	OwnerID          string `json:"ownerId"`
	TargetCollection string `json:"targetCollection"`
}

// Publisher forwards refresh signals beyond this process.
type Publisher interface {
	Publish(ctx context.Context, r Refresh) error
}

// Broadcaster delivers refresh signals to local subscribers, keyed by owner id,
// and to an optional remote publisher.
type Broadcaster struct {
	stream *Streamer[string, Refresh]
	remote Publisher
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{stream: NewStreamer[string, Refresh]()}
}

// SetRemote attaches a publisher for cross-instance fan-out.
func (b *Broadcaster) SetRemote(p Publisher) {
	b.remote = p
}

// Broadcast delivers r locally and forwards it to the remote publisher.
// Remote failures are logged; local delivery never fails.
func (b *Broadcaster) Broadcast(ctx context.Context, r Refresh) {
	b.Deliver(r)
	if b.remote == nil {
		return
	}
	if err := b.remote.Publish(ctx, r); err != nil {
		log.WithError(err).WithFields(log.Fields{
			"owner":      r.OwnerID,
			"collection": r.TargetCollection,
		}).Warn("refresh publish failed")
	}
}

// Deliver publishes r to local subscribers only.
func (b *Broadcaster) Deliver(r Refresh) {
	b.stream.Publish(r.OwnerID, r)
}

// Subscribe returns refresh signals for ownerID, or for every owner when
// ownerID is empty.
func (b *Broadcaster) Subscribe(ctx context.Context, ownerID string) (<-chan Event[string, Refresh], error) {
	var filter TopicFilter[string]
	if ownerID != "" {
		filter = func(topic string) bool { return topic == ownerID }
	}
	return b.stream.Subscribe(ctx, filter)
}

func (b *Broadcaster) Shutdown() {
	b.stream.Shutdown()
}
