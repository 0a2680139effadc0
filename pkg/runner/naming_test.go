package runner

import (
	"testing"

	"github.com/kohakuriver/kohakuriver/pkg/types"
	"github.com/stretchr/testify/assert"
)

func TestContainerName_RoundTripsThroughParseContainerName(t *testing.T) {
	cases := []struct {
		taskType types.TaskType
		id       int64
	}{
		{types.TaskTypeCommand, 42},
		{types.TaskTypeVPS, 7},
	}
	for _, c := range cases {
		name := ContainerName(c.taskType, c.id)
		id, taskType, prefixMatched, ok := ParseContainerName(name)
		assert.True(t, prefixMatched, name)
		assert.True(t, ok, name)
		assert.Equal(t, c.id, id)
		assert.Equal(t, c.taskType, taskType)
	}
}

func TestParseContainerName_NoPrefixMatch(t *testing.T) {
	id, _, prefixMatched, ok := ParseContainerName("some-other-container")
	assert.False(t, prefixMatched)
	assert.False(t, ok)
	assert.Zero(t, id)
}

func TestParseContainerName_PrefixMatchedButUnparseableID(t *testing.T) {
	id, taskType, prefixMatched, ok := ParseContainerName("kohakuriver-task-notanumber")
	assert.True(t, prefixMatched, "matched the naming convention, so it is ours by name")
	assert.False(t, ok, "but the id portion does not parse, so it is orphaned")
	assert.Zero(t, id)
	assert.Equal(t, types.TaskTypeCommand, taskType)
}

func TestParseContainerName_VPSPrefixMatchedButUnparseableID(t *testing.T) {
	_, taskType, prefixMatched, ok := ParseContainerName("kohakuriver-vps-abc")
	assert.True(t, prefixMatched)
	assert.False(t, ok)
	assert.Equal(t, types.TaskTypeVPS, taskType)
}
