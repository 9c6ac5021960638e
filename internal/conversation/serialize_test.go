package conversation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildBranchy(t *testing.T) *Tree {
	t.Helper()
	tree := New("sys")
	u, err := tree.AppendUser("Hello")
	require.NoError(t, err)
	_, err = tree.RegenerateReplyTo(u.ID, "Hi")
	require.NoError(t, err)
	_, err = tree.RegenerateReplyTo(u.ID, "Hi there")
	require.NoError(t, err)
	_, err = tree.AppendUser("How are you?")
	require.NoError(t, err)
	_, err = tree.EditUserTurn(u.ID, "Hello again")
	require.NoError(t, err)
	require.True(t, tree.SelectBranch(tree.Root().ID, 0))
	require.True(t, tree.SelectBranch(u.ID, 0))
	return tree
}

func TestRoundTrip(t *testing.T) {
	tree := buildBranchy(t)
	want := tree.Linearize()

	data, err := Encode(tree)
	require.NoError(t, err)
	loaded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, tree.Len(), loaded.Len())
	assert.Equal(t, want, loaded.Linearize())
	for id, n := range tree.nodes {
		other, ok := loaded.Node(id)
		require.True(t, ok)
		assert.Equal(t, n.Selected, other.Selected)
		assert.Equal(t, n.ParentID, other.ParentID)
		assert.Equal(t, n.Children, other.Children)
	}
}

func TestLoadSetsCurrentToLiveLeaf(t *testing.T) {
	tree := buildBranchy(t)
	leaf := tree.Linearize()
	loaded, err := Load(tree.Serialize())
	require.NoError(t, err)
	assert.Equal(t, leaf[len(leaf)-1].ID, loaded.Current().ID)
}

func TestLoadRejectsCorruptData(t *testing.T) {
	cases := map[string]func(sn *SerializedNode){
		"duplicate id": func(sn *SerializedNode) {
			sn.Children[0].Children[0].ID = sn.ID
		},
		"dangling parent": func(sn *SerializedNode) {
			sn.Children[0].ParentID = "elsewhere"
		},
		"selection out of range": func(sn *SerializedNode) {
			sn.Children[0].SelectedChildIndex = 7
		},
		"bad role": func(sn *SerializedNode) {
			sn.Children[0].Role = "wizard"
		},
		"root not system": func(sn *SerializedNode) {
			sn.Role = RoleUser
		},
		"nested system": func(sn *SerializedNode) {
			sn.Children[0].Role = RoleSystem
		},
	}

	for name, corrupt := range cases {
		t.Run(name, func(t *testing.T) {
			sn := buildBranchy(t).Serialize()
			corrupt(sn)
			_, err := Load(sn)
			assert.ErrorIs(t, err, ErrCorruptTree)
		})
	}
}

func TestLoadNil(t *testing.T) {
	_, err := Load(nil)
	assert.ErrorIs(t, err, ErrCorruptTree)
	_, err = Decode([]byte("{not json"))
	assert.Error(t, err)
}
