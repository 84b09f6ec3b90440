package uiauto

import (
	"encoding/json"
	"io"
	"sync"
)

// TreeNode is a Node over a JSON snapshot of the foreign UI tree, as delivered
// by an out-of-process host bridge. Writes and clicks cannot touch the live
// tree directly; they are forwarded to the bridge as actions keyed by the
// node's identifier.
type TreeNode struct {
	NodeID   string      `json:"id,omitempty"`
	NodeText *string     `json:"text,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`

	parent  *TreeNode
	actions *ActionWriter
}

func (n *TreeNode) FindByID(id string) []Node {
	if n == nil || id == "" {
		return nil
	}
	var out []Node
	n.walk(func(node *TreeNode) {
		if node.NodeID == id {
			out = append(out, node)
		}
	})
	return out
}

func (n *TreeNode) walk(fn func(*TreeNode)) {
	fn(n)
	for _, child := range n.Children {
		child.walk(fn)
	}
}

func (n *TreeNode) Text() (string, bool) {
	if n == nil || n.NodeText == nil {
		return "", false
	}
	return *n.NodeText, true
}

func (n *TreeNode) SetText(text string) bool {
	if n == nil || n.actions == nil || n.NodeID == "" {
		return false
	}
	return n.actions.write(Action{Op: OpSetText, TargetID: n.NodeID, Text: text})
}

func (n *TreeNode) Click() bool {
	if n == nil || n.actions == nil || n.NodeID == "" {
		return false
	}
	return n.actions.write(Action{Op: OpClick, TargetID: n.NodeID})
}

func (n *TreeNode) Parent() Node {
	if n == nil || n.parent == nil {
		return nil
	}
	return n.parent
}

func (n *TreeNode) ID() string {
	if n == nil {
		return ""
	}
	return n.NodeID
}

// Bind wires parent pointers and the action writer through a tree built in
// memory (hosts running in process, and tests).
func (n *TreeNode) Bind(actions *ActionWriter) *TreeNode {
	n.bind(nil, actions)
	return n
}

// bind wires parent pointers and the action writer through the snapshot.
func (n *TreeNode) bind(parent *TreeNode, actions *ActionWriter) {
	n.parent = parent
	n.actions = actions
	for _, child := range n.Children {
		child.bind(n, actions)
	}
}

// ActionOp is a UI action forwarded to the host bridge.
type ActionOp string

const (
	OpSetText ActionOp = "set_text"
	OpClick   ActionOp = "click"
)

// Action is one queued UI action, NDJSON-encoded toward the host.
type Action struct {
	Op       ActionOp `json:"op"`
	TargetID string   `json:"target_id"`
	Text     string   `json:"text,omitempty"`
}

// ActionWriter serializes actions to the host bridge. Safe for use from
// multiple pipeline workers.
type ActionWriter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func NewActionWriter(w io.Writer) *ActionWriter {
	return &ActionWriter{enc: json.NewEncoder(w)}
}

func (a *ActionWriter) write(action Action) bool {
	if a == nil {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enc.Encode(action) == nil
}
