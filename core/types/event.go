package types

// Event represents a typed event emitted during escrow state transitions. The
// attribute map is the wire form consumed by downstream indexers.
type Event struct {
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
}
