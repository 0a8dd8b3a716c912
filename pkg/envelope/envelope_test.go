package envelope

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sockethub/sockethub/pkg/identity"
)

func TestBuildContentNormalization(t *testing.T) {
	env := Build(Payload{Type: TypeMessage, Content: "hi"}, nil).(Envelope)
	require.Equal(t, map[string]any{"message": "hi"}, env.Content())

	original := map[string]any{"a": 1}
	env = Build(Payload{Type: TypeMessage, Content: original}, nil).(Envelope)
	env.Content()["b"] = 2
	require.NotContains(t, original, "b", "content must be a shallow copy")

	env = Build(Payload{Type: TypeMessage, Content: 42}, nil).(Envelope)
	require.Equal(t, map[string]any{}, env.Content())

	env = Build(Payload{Type: TypeMessage}, nil).(Envelope)
	require.Equal(t, map[string]any{}, env.Content())
}

func TestBuildChannelPrecedence(t *testing.T) {
	env := Build(Payload{Type: "x", Channel: "a"}, &Options{Channel: "b"}).(Envelope)
	require.Equal(t, "a", env.Channel())

	env = Build(Payload{Type: "x"}, &Options{Channel: "b"}).(Envelope)
	require.Equal(t, "b", env.Channel())

	env = Build(Payload{Type: "x"}, nil).(Envelope)
	require.Equal(t, ChannelNone, env.Channel())
}

func TestBuildDataMerge(t *testing.T) {
	env := Build(Payload{Type: "x", Content: map[string]any{"a": 1}},
		&Options{Data: map[string]any{"b": 2}}).(Envelope)
	require.Equal(t, map[string]any{"a": 1, "b": 2}, env.Content())

	env = Build(Payload{Type: "x"}, &Options{Data: []int{1, 2}}).(Envelope)
	require.Equal(t, map[string]any{"data": []int{1, 2}}, env.Content())

	env = Build(Payload{Type: "x"}, &Options{Data: "scalar"}).(Envelope)
	require.Equal(t, map[string]any{"data": "scalar"}, env.Content())
}

func TestBuildClientAttribution(t *testing.T) {
	env := Build(Payload{Type: "x"}, &Options{
		Client: &identity.Identity{ID: "u1", Name: "A"},
	}).(Envelope)
	sender, ok := env.Client()
	require.True(t, ok)
	require.Equal(t, identity.Identity{ID: "u1", Name: "A"}, sender)

	env = Build(Payload{Type: "x"}, &Options{
		Client: &identity.Identity{ID: "u1"},
	}).(Envelope)
	sender, _ = env.Client()
	require.Equal(t, identity.UnknownName, sender.Name)

	// Empty id means no attribution.
	env = Build(Payload{Type: "x"}, &Options{Client: &identity.Identity{Name: "A"}}).(Envelope)
	_, ok = env.Client()
	require.False(t, ok)
}

func TestBuildTimestamp(t *testing.T) {
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now = func() time.Time { return fixed }
	defer func() { now = time.Now }()

	env := Build(Payload{Type: "x"}, nil).(Envelope)
	require.Equal(t, "2024-01-01T00:00:00.000Z", env[FieldTimestamp])

	env = Build(Payload{Type: "x"}, &Options{IncludeTimestamp: Bool(false)}).(Envelope)
	require.NotContains(t, env, FieldTimestamp)
}

func TestBuildPriorityExpiryCustomFields(t *testing.T) {
	env := Build(Payload{Type: "x"}, &Options{
		Priority:     Int(PriorityUrgent),
		ExpiresAt:    1700000000000,
		CustomFields: map[string]any{"trace": "t-1"},
		Metadata:     map[string]string{"topic": "news"},
	}).(Envelope)

	require.Equal(t, PriorityUrgent, env[FieldPriority])
	require.Equal(t, int64(1700000000000), env[FieldExpiresAt])
	require.Equal(t, "t-1", env["trace"])
	require.Equal(t, map[string]string{"topic": "news"}, env[FieldMetadata])

	env = Build(Payload{Type: "x"}, nil).(Envelope)
	require.NotContains(t, env, FieldPriority)
	require.NotContains(t, env, FieldExpiresAt)
	require.NotContains(t, env, FieldMetadata)
}

func TestBuildTransformShortCircuits(t *testing.T) {
	result := Build(Payload{Type: "x"}, &Options{
		Transform: func(env Envelope) any {
			return map[string]any{"replaced": env.Type()}
		},
	})
	require.Equal(t, map[string]any{"replaced": "x"}, result)
}

// Transport and processing options must never reach the wire.
func TestOptionKeysNeverOnWire(t *testing.T) {
	env := Build(Payload{Type: "x", Content: "hello"}, &Options{
		Data:           map[string]any{"k": "v"},
		Client:         &identity.Identity{ID: "u1", Name: "A"},
		ExcludeClients: []string{"u2"},
		Channel:        "lobby",
		CustomFields:   map[string]any{"extra": true},
		MetadataAll:    true,
		MetadataKeys:   []string{"a"},
	})

	data, err := Serialize(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))

	for _, forbidden := range []string{
		"excludeClients", "transform", "includeTimestamp",
		"includeMetadata", "data", "customFields",
		"MetadataAll", "MetadataKeys",
	} {
		require.NotContains(t, wire, forbidden)
	}
}

func TestBuildSerializeRoundTrip(t *testing.T) {
	env := Build(Payload{Type: TypeWhisper, Channel: "lobby", Content: "psst"}, &Options{
		Client:   &identity.Identity{ID: "u1", Name: "A"},
		Priority: Int(PriorityHigh),
	})

	data, err := Serialize(env)
	require.NoError(t, err)

	decoded, err := JSONCodec{}.Decode(data)
	require.NoError(t, err)

	require.Equal(t, TypeWhisper, decoded.Type())
	require.Equal(t, "lobby", decoded.Channel())
	require.Equal(t, map[string]any{"message": "psst"}, decoded.Content())
	sender, ok := decoded.Client()
	require.True(t, ok)
	require.Equal(t, "u1", sender.ID)
	require.Equal(t, float64(PriorityHigh), decoded[FieldPriority])
}
