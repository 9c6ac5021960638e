package conversation

import "github.com/pkg/errors"

var (
	// ErrEmptyInput is returned when a turn's text trims to nothing. No node is created.
	ErrEmptyInput = errors.New("empty input")
	// ErrUnknownNode is returned when an operation references a node the tree does not hold.
	ErrUnknownNode = errors.New("unknown node")
	// ErrNotUserTurn is returned when editing a node that is not a user turn.
	ErrNotUserTurn = errors.New("node is not a user turn")
	// ErrCorruptTree is returned by Load when the serialized data breaks a tree invariant.
	ErrCorruptTree = errors.New("corrupt conversation tree")
)
