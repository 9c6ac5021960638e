package conversation

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roles(entries []Entry) []Role {
	var ret []Role
	for _, e := range entries {
		ret = append(ret, e.Role)
	}
	return ret
}

func contents(entries []Entry) []string {
	var ret []string
	for _, e := range entries {
		ret = append(ret, e.Content)
	}
	return ret
}

func TestAppendAndLinearize(t *testing.T) {
	tree := New("be nice")

	user, err := tree.AppendUser("Hello")
	require.NoError(t, err)
	_, err = tree.RegenerateReplyTo(user.ID, "Hi there")
	require.NoError(t, err)

	entries := tree.Linearize()
	assert.Equal(t, []Role{RoleSystem, RoleUser, RoleAssistant}, roles(entries))
	assert.Equal(t, []string{"be nice", "Hello", "Hi there"}, contents(entries))
	assert.Equal(t, 3, tree.Len())
}

func TestAppendUserRejectsBlank(t *testing.T) {
	tree := New("sys")

	_, err := tree.AppendUser("  \n\t ")
	require.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 1, tree.Len())
	assert.Equal(t, tree.Root().ID, tree.Current().ID)
}

func TestAppendAssistantRejectsEmptyOnly(t *testing.T) {
	tree := New("sys")
	_, err := tree.AppendUser("q")
	require.NoError(t, err)

	_, err = tree.AppendAssistant("")
	require.ErrorIs(t, err, ErrEmptyInput)

	n, err := tree.AppendAssistant("\n")
	require.NoError(t, err)
	assert.Equal(t, "\n", n.Content)
}

func TestLinearizeIsIdempotent(t *testing.T) {
	tree := New("sys")
	u, _ := tree.AppendUser("a")
	_, _ = tree.RegenerateReplyTo(u.ID, "b")
	_, _ = tree.RegenerateReplyTo(u.ID, "c")

	first := tree.Linearize()
	current := tree.Current().ID
	second := tree.Linearize()

	assert.Equal(t, first, second)
	assert.Equal(t, current, tree.Current().ID)
	assert.Equal(t, first[len(first)-1].ID, current)
}

func TestLinearizeMovesCurrentToLeaf(t *testing.T) {
	tree := New("sys")
	u, _ := tree.AppendUser("a")
	a, _ := tree.AppendAssistant("b")
	require.NoError(t, tree.SetCurrent(u.ID))

	tree.Linearize()
	assert.Equal(t, a.ID, tree.Current().ID)
}

func TestEditUserTurnIsAdditive(t *testing.T) {
	tree := New("sys")
	user, _ := tree.AppendUser("Hello")
	_, _ = tree.RegenerateReplyTo(user.ID, "Hi there")
	before := tree.Len()
	rootChildren := len(tree.Root().Children)

	edited, err := tree.EditUserTurn(user.ID, "Hello again")
	require.NoError(t, err)
	assert.Equal(t, before+1, tree.Len())
	assert.Equal(t, rootChildren+1, len(tree.Root().Children))
	assert.Equal(t, edited.ID, tree.Current().ID)

	entries := tree.Linearize()
	assert.Equal(t, []string{"sys", "Hello again"}, contents(entries))
	assert.Equal(t, 1, entries[1].BranchPosition)
	assert.Equal(t, 2, entries[1].BranchCount)

	// the original branch is still there
	require.True(t, tree.SelectBranch(tree.Root().ID, 0))
	entries = tree.Linearize()
	assert.Equal(t, []string{"sys", "Hello", "Hi there"}, contents(entries))
	orig, ok := tree.Node(user.ID)
	require.True(t, ok)
	assert.Equal(t, "Hello", orig.Content)
}

func TestEditRequiresUserTurn(t *testing.T) {
	tree := New("sys")
	u, _ := tree.AppendUser("q")
	a, _ := tree.AppendAssistant("r")

	_, err := tree.EditUserTurn(a.ID, "x")
	assert.ErrorIs(t, err, ErrNotUserTurn)
	_, err = tree.EditUserTurn("missing", "x")
	assert.ErrorIs(t, err, ErrUnknownNode)
	_, err = tree.EditUserTurn(u.ID, " ")
	assert.ErrorIs(t, err, ErrEmptyInput)
	assert.Equal(t, 3, tree.Len())
}

func TestRegenerateKeepsPreviousReply(t *testing.T) {
	tree := New("sys")
	u, _ := tree.AppendUser("q")
	first, _ := tree.RegenerateReplyTo(u.ID, "first")
	second, err := tree.RegenerateReplyTo(u.ID, "second")
	require.NoError(t, err)

	parent, _ := tree.Node(u.ID)
	assert.Equal(t, []NodeID{first.ID, second.ID}, parent.Children)
	assert.Equal(t, 1, parent.Selected)
	n, _ := tree.Node(first.ID)
	assert.Equal(t, "first", n.Content)
	assert.Equal(t, second.ID, tree.Current().ID)
}

func TestSelectBranchOutOfRangeIsNoop(t *testing.T) {
	tree := New("sys")
	u, _ := tree.AppendUser("q")
	_, _ = tree.RegenerateReplyTo(u.ID, "a")

	before := tree.Linearize()
	assert.False(t, tree.SelectBranch(u.ID, 1))
	assert.False(t, tree.SelectBranch(u.ID, -1))
	assert.False(t, tree.SelectBranch("missing", 0))
	assert.Equal(t, before, tree.Linearize())
}

func TestSetSystemMessage(t *testing.T) {
	tree := New("old")
	assert.False(t, tree.SetSystemMessage("plugin prompt"))
	assert.Equal(t, "plugin prompt", tree.Root().Content)

	_, _ = tree.AppendUser("q")
	assert.True(t, tree.SetSystemMessage("later"))
	assert.Equal(t, "later", tree.Linearize()[0].Content)
}

func TestThread(t *testing.T) {
	tree := New("sys")
	u, _ := tree.AppendUser("q")
	a, _ := tree.AppendAssistant("r")
	_, _ = tree.AppendUser("q2")

	thread := tree.Thread(a.ID)
	require.Len(t, thread, 3)
	assert.Equal(t, tree.Root().ID, thread[0].ID)
	assert.Equal(t, u.ID, thread[1].ID)
	assert.Equal(t, a.ID, thread[2].ID)

	msgs := ThreadMessages(thread)
	assert.Equal(t, "r", msgs[2].Content)
	assert.Equal(t, "assistant", msgs[2].Role)
}

func TestRandomMutationsKeepLivePathTotal(t *testing.T) {
	tree := New("sys")
	var users []NodeID
	for i := 0; i < 30; i++ {
		switch i % 4 {
		case 0:
			n, err := tree.AppendUser("u")
			require.NoError(t, err)
			users = append(users, n.ID)
		case 1:
			_, err := tree.AppendAssistant("a")
			require.NoError(t, err)
		case 2:
			_, err := tree.EditUserTurn(users[len(users)/2], "edited")
			require.NoError(t, err)
		case 3:
			_, err := tree.RegenerateReplyTo(users[len(users)-1], "again")
			require.NoError(t, err)
		}

		entries := tree.Linearize()
		assert.Equal(t, RoleSystem, entries[0].Role)
		leaf, _ := tree.Node(entries[len(entries)-1].ID)
		assert.Empty(t, leaf.Children)
		for j := 1; j < len(entries); j++ {
			assert.Equal(t, entries[j-1].ID, entries[j].ParentID)
		}
	}
}

func TestMessagesStripsBookkeeping(t *testing.T) {
	tree := New("sys")
	_, _ = tree.AppendUser("q")
	msgs := Messages(tree.Linearize())
	require.Len(t, msgs, 2)
	assert.Equal(t, "user", msgs[1].Role)
	assert.Equal(t, "q", msgs[1].Content)
}

func TestErrorsWrapSentinels(t *testing.T) {
	tree := New("sys")
	_, err := tree.RegenerateReplyTo("nope", "x")
	assert.True(t, errors.Is(err, ErrUnknownNode))
}
