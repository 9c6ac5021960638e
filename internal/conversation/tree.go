package conversation

import (
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type NodeID string

func NewNodeID() NodeID {
	return NodeID(uuid.New().String())
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Node is one dialogue turn. Content is never rewritten once the node exists,
// except for the root system message.
type Node struct {
	ID       NodeID
	Role     Role
	Content  string
	ParentID NodeID
	// Children is append-only; an index, once assigned, always names the same branch.
	Children []NodeID
	// Selected indexes Children and is only meaningful when Children is non-empty.
	Selected int
}

// Tree is a branching conversation. Nodes live in an arena keyed by ID and
// point at their parent by ID, so walking up never needs a back-pointer.
//
// Every operation that looks destructive (edit, regenerate) adds a sibling
// instead, which keeps older variants reachable through SelectBranch.
//
// A Tree is not safe for concurrent use; its owner serializes access.
type Tree struct {
	nodes     map[NodeID]*Node
	rootID    NodeID
	currentID NodeID
}

// New creates a tree holding only the root system message.
func New(systemMessage string) *Tree {
	root := &Node{
		ID:      NewNodeID(),
		Role:    RoleSystem,
		Content: systemMessage,
	}
	return &Tree{
		nodes:     map[NodeID]*Node{root.ID: root},
		rootID:    root.ID,
		currentID: root.ID,
	}
}

func (t *Tree) Root() *Node {
	return t.nodes[t.rootID]
}

// Current is the default attach point for the next append.
func (t *Tree) Current() *Node {
	return t.nodes[t.currentID]
}

func (t *Tree) Node(id NodeID) (*Node, bool) {
	n, ok := t.nodes[id]
	return n, ok
}

// Len returns the number of nodes, root included.
func (t *Tree) Len() int {
	return len(t.nodes)
}

// HasTurns reports whether anything was appended below the root.
func (t *Tree) HasTurns() bool {
	return len(t.Root().Children) > 0
}

// SetCurrent moves the attach point without touching any selection.
func (t *Tree) SetCurrent(id NodeID) error {
	if _, ok := t.nodes[id]; !ok {
		return errors.Wrapf(ErrUnknownNode, "set current %s", id)
	}
	t.currentID = id
	return nil
}

// AppendUser adds a user turn under the current node and moves onto it.
func (t *Tree) AppendUser(text string) (*Node, error) {
	return t.appendUnder(t.currentID, RoleUser, text)
}

// AppendAssistant adds an assistant turn under the current node and moves onto it.
// Empty replies are never committed.
func (t *Tree) AppendAssistant(text string) (*Node, error) {
	return t.appendUnder(t.currentID, RoleAssistant, text)
}

// RegenerateReplyTo adds a new assistant reply under parentID, next to any
// earlier replies to the same prompt, and selects it.
func (t *Tree) RegenerateReplyTo(parentID NodeID, text string) (*Node, error) {
	return t.appendUnder(parentID, RoleAssistant, text)
}

// EditUserTurn adds a sibling of the user turn id carrying newText and selects
// it. The original turn and everything generated from it stay in place.
func (t *Tree) EditUserTurn(id NodeID, newText string) (*Node, error) {
	target, ok := t.nodes[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "edit %s", id)
	}
	if target.Role != RoleUser {
		return nil, errors.Wrapf(ErrNotUserTurn, "edit %s (%s)", id, target.Role)
	}
	return t.appendUnder(target.ParentID, RoleUser, newText)
}

// SelectBranch points node id at its child index. Out-of-range requests are
// ignored and report false. On success the current node follows the new live path.
func (t *Tree) SelectBranch(id NodeID, index int) bool {
	n, ok := t.nodes[id]
	if !ok || index < 0 || index >= len(n.Children) {
		return false
	}
	n.Selected = index
	t.currentID = t.liveLeaf()
	return true
}

// SetSystemMessage overwrites the root content. It reports whether turns
// already existed, in which case earlier replies were produced under the old text.
func (t *Tree) SetSystemMessage(text string) bool {
	t.Root().Content = text
	return t.HasTurns()
}

// Thread returns the nodes from the root down to id, inclusive.
func (t *Tree) Thread(id NodeID) []*Node {
	var thread []*Node
	for id != "" && len(thread) <= len(t.nodes) {
		n, ok := t.nodes[id]
		if !ok {
			break
		}
		thread = append(thread, n)
		id = n.ParentID
	}
	for i, j := 0, len(thread)-1; i < j; i, j = i+1, j-1 {
		thread[i], thread[j] = thread[j], thread[i]
	}
	return thread
}

func (t *Tree) appendUnder(parentID NodeID, role Role, text string) (*Node, error) {
	if text == "" || (role == RoleUser && strings.TrimSpace(text) == "") {
		return nil, ErrEmptyInput
	}
	parent, ok := t.nodes[parentID]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownNode, "append %s under %s", role, parentID)
	}

	n := &Node{
		ID:       NewNodeID(),
		Role:     role,
		Content:  text,
		ParentID: parent.ID,
	}
	t.nodes[n.ID] = n
	parent.Children = append(parent.Children, n.ID)
	parent.Selected = len(parent.Children) - 1
	t.currentID = n.ID
	return n, nil
}

// liveLeaf follows Selected from the root until a node has no children.
func (t *Tree) liveLeaf() NodeID {
	id := t.rootID
	for {
		n := t.nodes[id]
		if len(n.Children) == 0 {
			return id
		}
		id = n.Children[n.Selected]
	}
}
