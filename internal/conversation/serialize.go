package conversation

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// SerializedNode is the nested form of a tree as it is persisted.
type SerializedNode struct {
	ID                 NodeID            `json:"id"`
	Role               Role              `json:"role"`
	Content            string            `json:"content"`
	SelectedChildIndex int               `json:"selected_child_index"`
	ParentID           NodeID            `json:"parent_id,omitempty"`
	Children           []*SerializedNode `json:"children"`
}

func (t *Tree) Serialize() *SerializedNode {
	return t.serializeNode(t.rootID)
}

func (t *Tree) serializeNode(id NodeID) *SerializedNode {
	n := t.nodes[id]
	sn := &SerializedNode{
		ID:                 n.ID,
		Role:               n.Role,
		Content:            n.Content,
		SelectedChildIndex: n.Selected,
		ParentID:           n.ParentID,
		Children:           make([]*SerializedNode, 0, len(n.Children)),
	}
	for _, child := range n.Children {
		sn.Children = append(sn.Children, t.serializeNode(child))
	}
	return sn
}

// Load rebuilds a tree from its serialized form, restoring parent links by ID.
// The current node is set to the leaf of the live path.
//
// Duplicate IDs, parent references that disagree with the nesting, unknown
// roles and out-of-range selections abort the load with ErrCorruptTree.
func Load(data *SerializedNode) (*Tree, error) {
	if data == nil {
		return nil, errors.Wrap(ErrCorruptTree, "missing root")
	}
	if data.Role != RoleSystem {
		return nil, errors.Wrapf(ErrCorruptTree, "root %s has role %q", data.ID, data.Role)
	}
	if data.ParentID != "" {
		return nil, errors.Wrapf(ErrCorruptTree, "root %s has parent %s", data.ID, data.ParentID)
	}

	t := &Tree{
		nodes:  map[NodeID]*Node{},
		rootID: data.ID,
	}
	if err := t.loadNode(data, ""); err != nil {
		return nil, err
	}
	t.currentID = t.liveLeaf()
	return t, nil
}

func (t *Tree) loadNode(sn *SerializedNode, parentID NodeID) error {
	if sn == nil {
		return errors.Wrapf(ErrCorruptTree, "nil child under %s", parentID)
	}
	if sn.ID == "" {
		return errors.Wrapf(ErrCorruptTree, "node without id under %s", parentID)
	}
	if _, dup := t.nodes[sn.ID]; dup {
		return errors.Wrapf(ErrCorruptTree, "node %s appears twice", sn.ID)
	}
	if sn.ParentID != parentID {
		return errors.Wrapf(ErrCorruptTree, "node %s claims parent %q but is nested under %q", sn.ID, sn.ParentID, parentID)
	}
	if !sn.Role.Valid() {
		return errors.Wrapf(ErrCorruptTree, "node %s has role %q", sn.ID, sn.Role)
	}
	if parentID != "" && sn.Role == RoleSystem {
		return errors.Wrapf(ErrCorruptTree, "system node %s below the root", sn.ID)
	}
	if sn.SelectedChildIndex < 0 || (sn.SelectedChildIndex >= len(sn.Children) && sn.SelectedChildIndex != 0) {
		return errors.Wrapf(ErrCorruptTree, "node %s selects child %d of %d", sn.ID, sn.SelectedChildIndex, len(sn.Children))
	}

	n := &Node{
		ID:       sn.ID,
		Role:     sn.Role,
		Content:  sn.Content,
		ParentID: parentID,
		Children: make([]NodeID, 0, len(sn.Children)),
		Selected: sn.SelectedChildIndex,
	}
	t.nodes[n.ID] = n

	for _, child := range sn.Children {
		if err := t.loadNode(child, n.ID); err != nil {
			return err
		}
		n.Children = append(n.Children, child.ID)
	}
	return nil
}

// Encode serializes the tree to JSON.
func Encode(t *Tree) ([]byte, error) {
	return json.Marshal(t.Serialize())
}

// Decode parses JSON produced by Encode and loads it.
func Decode(data []byte) (*Tree, error) {
	var sn SerializedNode
	if err := json.Unmarshal(data, &sn); err != nil {
		return nil, errors.Wrap(err, "decode conversation tree")
	}
	return Load(&sn)
}
