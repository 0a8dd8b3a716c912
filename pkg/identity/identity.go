// Package identity defines the client identity attached to connections
// and outgoing envelopes.
package identity

// Identity identifies a connected client. It is assigned at upgrade time
// and treated as immutable for the lifetime of the connection.
type Identity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// UnknownName is substituted when a sender identity carries no name.
const UnknownName = "Unknown"

// WithDefaults returns a copy with the name defaulted when empty.
func (i Identity) WithDefaults() Identity {
	if i.Name == "" {
		i.Name = UnknownName
	}
	return i
}

// Valid reports whether the identity can attribute a sender.
func (i Identity) Valid() bool {
	return i.ID != ""
}
