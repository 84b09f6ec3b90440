// Package uiauto models the host-provided UI-introspection channel: a stream
// of change notifications from a foreign application plus query/action
// primitives over its current UI tree. The host owns the low-level mechanics;
// this package only defines the contract the pipeline consumes and a JSON
// bridge codec for hosts that deliver snapshots out of process.
package uiauto

// EventKind labels a UI-change notification.
type EventKind string

const (
	KindNotification   EventKind = "notification"
	KindContentChanged EventKind = "content-changed"
	KindStateChanged   EventKind = "state-changed"
	KindTextChanged    EventKind = "text-changed"
)

// Event is one UI-change notification delivered by the host.
type Event struct {
	Kind      EventKind
	SourceApp string
	Texts     []string
	Root      Node
}

// Node is a handle into the foreign application's UI tree.
// Lookups may fail at any time (the tree is a moving target); implementations
// return nil or false rather than erroring, and callers treat misses as
// transient.
type Node interface {
	// FindByID returns all descendant nodes carrying the given element
	// identifier, in document order.
	FindByID(id string) []Node
	// Text returns the node's text and whether it has any.
	Text() (string, bool)
	// SetText writes text into the node, reporting whether the write was
	// accepted.
	SetText(text string) bool
	// Click invokes the node's click action, reporting success.
	Click() bool
	// Parent returns the enclosing node, or nil at the root.
	Parent() Node
	// ID returns the node's element identifier, if it has one.
	ID() string
}
