package runner

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/kohakuriver/kohakuriver/pkg/types"
)

const (
	taskPrefix = "kohakuriver-task-"
	vpsPrefix  = "kohakuriver-vps-"
)

// ContainerName returns the container name for a task, per the
// kohakuriver-task-{id} / kohakuriver-vps-{id} naming convention.
func ContainerName(taskType types.TaskType, id int64) string {
	if taskType == types.TaskTypeVPS {
		return fmt.Sprintf("%s%d", vpsPrefix, id)
	}
	return fmt.Sprintf("%s%d", taskPrefix, id)
}

// ParseContainerName extracts the task id and type encoded in name.
// prefixMatched reports whether name carries a recognized
// kohakuriver-task-/kohakuriver-vps- prefix at all; ok reports whether the
// remainder after that prefix parsed to a valid id. A name with
// prefixMatched=true, ok=false matched the naming convention but carries no
// valid current id, which is the orphan-detection rule for startup
// reconciliation: it is ours by name but not by content, so it must be
// stopped and removed rather than silently ignored like a container that
// never matched the prefix at all.
func ParseContainerName(name string) (id int64, taskType types.TaskType, prefixMatched, ok bool) {
	var rest string
	switch {
	case strings.HasPrefix(name, taskPrefix):
		taskType = types.TaskTypeCommand
		rest = strings.TrimPrefix(name, taskPrefix)
	case strings.HasPrefix(name, vpsPrefix):
		taskType = types.TaskTypeVPS
		rest = strings.TrimPrefix(name, vpsPrefix)
	default:
		return 0, "", false, false
	}

	parsed, err := strconv.ParseInt(rest, 10, 64)
	if err != nil {
		return 0, taskType, true, false
	}
	return parsed, taskType, true, true
}
