package switchboard

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sodazone/xcmon/types"
)

func TestPatchReplaceFilter(t *testing.T) {
	sub := wildcardSub("p")
	err := applyPatch(&sub, []PatchOp{
		{Op: opReplace, Path: "/senders", Value: []byte(`["alice","bob"]`)},
	})
	require.NoError(t, err)
	assert.Equal(t, types.FilterList{"alice", "bob"}, sub.Senders)
}

func TestPatchReplaceWithWildcard(t *testing.T) {
	sub := wildcardSub("p")
	sub.Senders = types.FilterList{"alice"}
	err := applyPatch(&sub, []PatchOp{
		{Op: opReplace, Path: "/senders", Value: []byte(`"*"`)},
	})
	require.NoError(t, err)
	assert.True(t, sub.Senders.IsWildcard())
}

func TestPatchAddToFilter(t *testing.T) {
	sub := wildcardSub("p")
	sub.Senders = types.FilterList{"alice"}
	err := applyPatch(&sub, []PatchOp{
		{Op: opAdd, Path: "/senders", Value: []byte(`["bob","alice"]`)},
	})
	require.NoError(t, err)
	assert.Equal(t, types.FilterList{"alice", "bob"}, sub.Senders)
}

func TestPatchAddNarrowsWildcard(t *testing.T) {
	sub := wildcardSub("p")
	err := applyPatch(&sub, []PatchOp{
		{Op: opAdd, Path: "/events", Value: []byte(`["matched"]`)},
	})
	require.NoError(t, err)
	assert.Equal(t, types.FilterList{"matched"}, sub.Events)
}

func TestPatchRemoveFromFilter(t *testing.T) {
	sub := wildcardSub("p")
	sub.Senders = types.FilterList{"alice", "bob", "carol"}
	err := applyPatch(&sub, []PatchOp{
		{Op: opRemove, Path: "/senders", Value: []byte(`["bob"]`)},
	})
	require.NoError(t, err)
	assert.Equal(t, types.FilterList{"alice", "carol"}, sub.Senders)
}

func TestPatchRemoveWithoutValueResetsToWildcard(t *testing.T) {
	sub := wildcardSub("p")
	sub.Destinations = types.FilterList{string(chainOne)}
	err := applyPatch(&sub, []PatchOp{
		{Op: opRemove, Path: "/destinations"},
	})
	require.NoError(t, err)
	assert.True(t, sub.Destinations.IsWildcard())
}

func TestPatchChannels(t *testing.T) {
	sub := wildcardSub("p")

	err := applyPatch(&sub, []PatchOp{
		{Op: opAdd, Path: "/channels", Value: []byte(`{"type":"webhook","url":"http://a.example"}`)},
	})
	require.NoError(t, err)
	require.Len(t, sub.Channels, 2)

	err = applyPatch(&sub, []PatchOp{
		{Op: opRemove, Path: "/channels", Value: []byte(`{"type":"log"}`)},
	})
	require.NoError(t, err)
	require.Len(t, sub.Channels, 1)
	assert.Equal(t, types.ChannelWebhook, sub.Channels[0].Type)

	err = applyPatch(&sub, []PatchOp{
		{Op: opReplace, Path: "/channels", Value: []byte(`[{"type":"log"}]`)},
	})
	require.NoError(t, err)
	require.Len(t, sub.Channels, 1)
	assert.Equal(t, types.ChannelLog, sub.Channels[0].Type)
}

func TestPatchUnsupportedPathAndOp(t *testing.T) {
	sub := wildcardSub("p")

	err := applyPatch(&sub, []PatchOp{{Op: opReplace, Path: "/id", Value: []byte(`"x"`)}})
	assert.Error(t, err)

	err = applyPatch(&sub, []PatchOp{{Op: "test", Path: "/senders", Value: []byte(`[]`)}})
	assert.Error(t, err)
}
