// Package envelope builds and serializes the wire envelopes exchanged with
// clients. An envelope is an open JSON object: fixed fields plus whatever
// custom fields the caller merges in. Transport and processing options never
// reach the wire.
package envelope

import (
	"time"

	"github.com/sockethub/sockethub/pkg/identity"
)

// Envelope field keys.
const (
	FieldType      = "type"
	FieldChannel   = "channel"
	FieldContent   = "content"
	FieldTimestamp = "timestamp"
	FieldClient    = "client"
	FieldMetadata  = "metadata"
	FieldPriority  = "priority"
	FieldExpiresAt = "expiresAt"
)

// Reserved message types. These are stable wire identifiers.
const (
	TypeClientConnected    = "client.connected"
	TypeClientDisconnected = "client.disconnected"
	TypeClientJoinChannel  = "client.join.channel"
	TypeClientLeaveChannel = "client.leave.channel"
	TypeClientJoinChannels = "client.join.channels"
	TypeClientLeaveChannels = "client.leave.channels"
	TypeClientMessageReceived = "client.message.received"
	TypePing      = "ping"
	TypePong      = "pong"
	TypeMessage   = "message"
	TypeWhisper   = "whisper"
	TypeBroadcast = "broadcast"
	TypePrompt    = "prompt"
	TypeError     = "error"
	TypeSystem    = "system"
)

// Message priorities.
const (
	PriorityNormal = 0
	PriorityHigh   = 1
	PriorityUrgent = 2
)

// ChannelNone is the channel value used when neither the payload nor the
// options name one.
const ChannelNone = "N/A"

// timestampLayout is ISO 8601 with millisecond precision. Envelopes always
// carry UTC timestamps.
const timestampLayout = "2006-01-02T15:04:05.000Z07:00"

// Envelope is the wire structure. It stays an open mapping so arbitrary
// JSON-compatible content and custom fields pass through without schema.
type Envelope map[string]any

// Type returns the envelope's message type.
func (e Envelope) Type() string {
	t, _ := e[FieldType].(string)
	return t
}

// Channel returns the envelope's channel.
func (e Envelope) Channel() string {
	c, _ := e[FieldChannel].(string)
	return c
}

// Content returns the envelope's content object.
func (e Envelope) Content() map[string]any {
	c, _ := e[FieldContent].(map[string]any)
	return c
}

// Client returns the sender attribution, if any.
func (e Envelope) Client() (identity.Identity, bool) {
	c, ok := e[FieldClient].(map[string]any)
	if !ok {
		return identity.Identity{}, false
	}
	id, _ := c["id"].(string)
	name, _ := c["name"].(string)
	return identity.Identity{ID: id, Name: name}, true
}

// Payload is the caller-supplied input to Build.
type Payload struct {
	// Type becomes the envelope's type field.
	Type string

	// Channel names the channel; options may override it.
	Channel string

	// Content is a string (wrapped as {"message": s}), a map (shallow
	// copied), or anything else (coerced to an empty object).
	Content any
}

// Text wraps a plain string as a standard message payload.
func Text(s string) Payload {
	return Payload{Type: TypeMessage, Content: s}
}

// Transform replaces the built envelope wholesale. It runs last and may
// return any JSON-compatible value.
type Transform func(Envelope) any

// Options are server-side processing instructions. None of these fields are
// ever copied into the serialized envelope.
type Options struct {
	// Data is merged into content when it is a map, otherwise stored
	// under content.data.
	Data any

	// Client attributes the sender on the envelope.
	Client *identity.Identity

	// Metadata is attached literally under the metadata field.
	Metadata map[string]string

	// MetadataAll asks the broadcaster to attach the channel's full
	// metadata; MetadataKeys restricts it to the listed keys. Both are
	// resolved by the broadcaster before Build sees the options.
	MetadataAll  bool
	MetadataKeys []string

	// ExcludeClients filters broadcast recipients by client id.
	ExcludeClients []string

	// Channel overrides the payload channel.
	Channel string

	// IncludeTimestamp defaults to true when nil.
	IncludeTimestamp *bool

	// CustomFields are shallow-merged into the envelope root.
	CustomFields map[string]any

	// Transform, when set, replaces the envelope wholesale.
	Transform Transform

	// Priority is 0, 1 or 2 when set.
	Priority *int

	// ExpiresAt is milliseconds since epoch; zero means unset.
	ExpiresAt int64
}

// Bool returns a pointer to v, for optional option fields.
func Bool(v bool) *bool { return &v }

// Int returns a pointer to v, for optional option fields.
func Int(v int) *int { return &v }

// now is stubbed in tests.
var now = time.Now

// Build produces an envelope from a payload and options, applying the
// options in a fixed order. With no Transform the result is always an
// Envelope; a Transform replaces it with whatever it returns.
func Build(p Payload, opts *Options) any {
	if opts == nil {
		opts = &Options{}
	}

	env := Envelope{}
	env[FieldType] = p.Type

	switch {
	case p.Channel != "":
		env[FieldChannel] = p.Channel
	case opts.Channel != "":
		env[FieldChannel] = opts.Channel
	default:
		env[FieldChannel] = ChannelNone
	}

	env[FieldContent] = normalizeContent(p.Content)
	content := env[FieldContent].(map[string]any)

	if opts.Data != nil {
		if m, ok := opts.Data.(map[string]any); ok {
			for k, v := range m {
				content[k] = v
			}
		} else {
			content["data"] = opts.Data
		}
	}

	if opts.Client != nil && opts.Client.Valid() {
		sender := opts.Client.WithDefaults()
		env[FieldClient] = map[string]any{
			"id":   sender.ID,
			"name": sender.Name,
		}
	}

	if opts.Metadata != nil {
		env[FieldMetadata] = opts.Metadata
	}

	if opts.IncludeTimestamp == nil || *opts.IncludeTimestamp {
		env[FieldTimestamp] = now().UTC().Format(timestampLayout)
	}

	if opts.Priority != nil {
		env[FieldPriority] = *opts.Priority
	}
	if opts.ExpiresAt != 0 {
		env[FieldExpiresAt] = opts.ExpiresAt
	}

	for k, v := range opts.CustomFields {
		env[k] = v
	}

	if opts.Transform != nil {
		return opts.Transform(env)
	}
	return env
}

// normalizeContent coerces arbitrary payload content into an object.
func normalizeContent(content any) map[string]any {
	switch c := content.(type) {
	case string:
		return map[string]any{"message": c}
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	case Envelope:
		out := make(map[string]any, len(c))
		for k, v := range c {
			out[k] = v
		}
		return out
	default:
		return map[string]any{}
	}
}
