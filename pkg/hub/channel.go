package hub

import (
	"fmt"
	"sync"
	"time"

	"github.com/sockethub/sockethub/pkg/envelope"
	"github.com/sockethub/sockethub/pkg/logging"
	"github.com/sockethub/sockethub/pkg/transport"
)

// DefaultChannelLimit is the member cap applied when none is configured.
const DefaultChannelLimit = 5

// Channel owns a bounded member set and performs fan-out. The capacity
// check and the member insertion share one critical section, so the limit
// holds at every observable instant.
type Channel struct {
	id        string
	name      string
	limit     int
	createdAt time.Time
	env       *Env

	members  map[string]ClientOps
	metadata map[string]string

	// notifyOnFull controls the one-shot error envelope sent to a
	// client rejected for capacity.
	notifyOnFull bool

	publisher transport.Server

	mu sync.RWMutex
}

var _ ChannelOps = (*Channel)(nil)

// NewChannel creates a channel. A non-positive limit falls back to
// DefaultChannelLimit.
func NewChannel(id, name string, limit int, env *Env) *Channel {
	if limit <= 0 {
		limit = DefaultChannelLimit
	}
	if name == "" {
		name = id
	}
	return &Channel{
		id:           id,
		name:         name,
		limit:        limit,
		createdAt:    time.Now(),
		env:          env,
		members:      make(map[string]ClientOps),
		metadata:     make(map[string]string),
		notifyOnFull: true,
	}
}

func (ch *Channel) ID() string           { return ch.id }
func (ch *Channel) Name() string         { return ch.name }
func (ch *Channel) Limit() int           { return ch.limit }
func (ch *Channel) CreatedAt() time.Time { return ch.createdAt }

// SetNotifyOnFull controls whether rejected joiners receive an error
// envelope.
func (ch *Channel) SetNotifyOnFull(v bool) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.notifyOnFull = v
}

// BindPublisher late-binds the shared topic server used by the broadcast
// fast path.
func (ch *Channel) BindPublisher(srv transport.Server) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.publisher = srv
}

func (ch *Channel) currentPublisher() transport.Server {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return ch.publisher
}

// AddMember admits a client. Expected failures come back as result
// variants; a coordination failure after insertion rolls the membership
// back so the channel and client never disagree.
func (ch *Channel) AddMember(c ClientOps, notify bool) JoinResult {
	id := c.Whoami().ID

	ch.mu.Lock()
	if _, ok := ch.members[id]; ok {
		ch.mu.Unlock()
		return JoinResult{OK: false, Reason: ReasonAlreadyMember}
	}
	if len(ch.members) >= ch.limit {
		size := len(ch.members)
		notifyFull := ch.notifyOnFull
		ch.mu.Unlock()

		if notifyFull {
			c.Send(envelope.Payload{
				Type: envelope.TypeError,
				Content: map[string]any{
					"code":    "CHANNEL_FULL",
					"channel": ch.id,
					"message": fmt.Sprintf("Channel %q is full (%d members)", ch.id, size),
				},
			}, &envelope.Options{Channel: ch.id})
		}
		ch.env.Metrics.Failure("channel_full")
		return JoinResult{OK: false, Reason: ReasonFull}
	}
	ch.members[id] = c
	ch.mu.Unlock()

	// Coordination happens outside the lock; any failure rolls back.
	if err := c.SubscribeTopic(ch.id); err != nil {
		ch.rollback(c, id)
		return JoinResult{OK: false, Reason: ReasonError, Err: err}
	}
	c.TrackChannel(ch)

	if notify {
		if err := c.Send(envelope.Payload{
			Type:    envelope.TypeClientJoinChannel,
			Channel: ch.id,
			Content: map[string]any{
				"channel": ch.id,
				"message": fmt.Sprintf("Joined channel %q", ch.name),
			},
		}, nil); err != nil {
			ch.rollback(c, id)
			return JoinResult{OK: false, Reason: ReasonError, Err: err}
		}
	}

	return JoinResult{OK: true, Client: c}
}

// rollback undoes a partial admission.
func (ch *Channel) rollback(c ClientOps, id string) {
	ch.mu.Lock()
	delete(ch.members, id)
	ch.mu.Unlock()

	c.UnsubscribeTopic(ch.id)
	c.UntrackChannel(ch.id)
	ch.env.Metrics.Failure("join_rollback")
}

// RemoveMember evicts a client by id. Removing a non-member is a no-op
// returning false.
func (ch *Channel) RemoveMember(id string, notify bool) (ClientOps, bool) {
	ch.mu.Lock()
	c, ok := ch.members[id]
	if ok {
		delete(ch.members, id)
	}
	ch.mu.Unlock()

	if !ok {
		return nil, false
	}

	c.UnsubscribeTopic(ch.id)
	c.UntrackChannel(ch.id)

	if notify {
		c.Send(envelope.Payload{
			Type:    envelope.TypeClientLeaveChannel,
			Channel: ch.id,
			Content: map[string]any{
				"channel": ch.id,
				"message": fmt.Sprintf("Left channel %q", ch.name),
			},
		}, nil)
	}
	return c, true
}

// Broadcast fans a payload out to the channel. Accepts a string (wrapped
// as a standard message) or an envelope.Payload. With exclusions the
// serialized bytes go to each non-excluded member directly; otherwise one
// topic publish reaches every subscriber.
func (ch *Channel) Broadcast(payload any, opts *envelope.Options) error {
	var p envelope.Payload
	switch v := payload.(type) {
	case string:
		p = envelope.Text(v)
	case envelope.Payload:
		p = v
	default:
		return fmt.Errorf("unsupported broadcast payload %T", payload)
	}

	var o envelope.Options
	if opts != nil {
		o = *opts
	}
	p.Channel = ch.id

	switch {
	case o.MetadataAll:
		o.Metadata = ch.GetMetadata()
	case len(o.MetadataKeys) > 0:
		meta := make(map[string]string, len(o.MetadataKeys))
		ch.mu.RLock()
		for _, k := range o.MetadataKeys {
			if v, ok := ch.metadata[k]; ok {
				meta[k] = v
			}
		}
		ch.mu.RUnlock()
		o.Metadata = meta
	}

	built := ch.env.Builder.Build(p, &o)
	data, err := ch.env.Builder.Serialize(built)
	if err != nil {
		return err
	}

	if len(o.ExcludeClients) > 0 {
		excluded := make(map[string]struct{}, len(o.ExcludeClients))
		for _, id := range o.ExcludeClients {
			excluded[id] = struct{}{}
		}

		members := ch.GetMembers(nil)
		delivered := 0
		for _, m := range members {
			if _, skip := excluded[m.Whoami().ID]; skip {
				continue
			}
			if err := m.Deliver(data); err != nil {
				ch.env.Logger.Warn("broadcast delivery failed",
					logging.String("channel", ch.id),
					logging.String("client", m.Whoami().ID),
					logging.Err(err))
				continue
			}
			delivered++
		}
		ch.env.Metrics.Fanout(delivered)
		return nil
	}

	pub := ch.currentPublisher()
	if pub == nil {
		return ErrTransportNotSet
	}
	ch.env.Metrics.Published()
	return pub.PublishTopic(ch.id, data)
}

// HasMember reports whether a client id is a member.
func (ch *Channel) HasMember(id string) bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	_, ok := ch.members[id]
	return ok
}

// GetMember retrieves a member by id.
func (ch *Channel) GetMember(id string) (ClientOps, bool) {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	c, ok := ch.members[id]
	return c, ok
}

// GetMembers returns the members matching the filter, or all members when
// the filter is nil.
func (ch *Channel) GetMembers(filter func(ClientOps) bool) []ClientOps {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	out := make([]ClientOps, 0, len(ch.members))
	for _, c := range ch.members {
		if filter == nil || filter(c) {
			out = append(out, c)
		}
	}
	return out
}

// GetMetadata returns a copy of the channel metadata.
func (ch *Channel) GetMetadata() map[string]string {
	ch.mu.RLock()
	defer ch.mu.RUnlock()

	out := make(map[string]string, len(ch.metadata))
	for k, v := range ch.metadata {
		out[k] = v
	}
	return out
}

// SetMetadata stores one metadata entry.
func (ch *Channel) SetMetadata(key, value string) {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.metadata[key] = value
}

// GetSize returns the member count.
func (ch *Channel) GetSize() int {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.members)
}

// CanAddMember reports whether the channel has capacity.
func (ch *Channel) CanAddMember() bool {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	return len(ch.members) < ch.limit
}

// Delete evacuates all members with notification, then clears metadata.
func (ch *Channel) Delete() {
	for _, m := range ch.GetMembers(nil) {
		ch.RemoveMember(m.Whoami().ID, true)
	}

	ch.mu.Lock()
	ch.metadata = make(map[string]string)
	ch.mu.Unlock()
}
