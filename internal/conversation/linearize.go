package conversation

import "github.com/RichardoC/zik/internal/models"

// Entry is one turn of the live path, with the sibling set of its parent
// described for branch navigation (position is zero-based).
type Entry struct {
	ID             NodeID `json:"id"`
	ParentID       NodeID `json:"parent_id,omitempty"`
	Role           Role   `json:"role"`
	Content        string `json:"content"`
	BranchPosition int    `json:"branch_position"`
	BranchCount    int    `json:"branch_count"`
}

// Linearize walks the live path from the root to a leaf. It also moves the
// current node to that leaf, so the next append lands where the user is looking.
// Calling it again without a mutation returns the same entries.
func (t *Tree) Linearize() []Entry {
	var entries []Entry

	id := t.rootID
	for {
		n := t.nodes[id]
		e := Entry{
			ID:             n.ID,
			ParentID:       n.ParentID,
			Role:           n.Role,
			Content:        n.Content,
			BranchPosition: 0,
			BranchCount:    1,
		}
		if parent, ok := t.nodes[n.ParentID]; ok {
			e.BranchPosition = parent.Selected
			e.BranchCount = len(parent.Children)
		}
		entries = append(entries, e)

		if len(n.Children) == 0 {
			break
		}
		id = n.Children[n.Selected]
	}

	t.currentID = id
	return entries
}

// Messages strips the branch bookkeeping from entries.
func Messages(entries []Entry) []models.Message {
	ret := make([]models.Message, 0, len(entries))
	for _, e := range entries {
		ret = append(ret, models.Message{Role: string(e.Role), Content: e.Content})
	}
	return ret
}

// ThreadMessages converts a root-to-node thread into the wire format.
func ThreadMessages(thread []*Node) []models.Message {
	ret := make([]models.Message, 0, len(thread))
	for _, n := range thread {
		ret = append(ret, models.Message{Role: string(n.Role), Content: n.Content})
	}
	return ret
}
