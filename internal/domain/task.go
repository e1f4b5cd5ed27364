package domain

import (
	"fmt"
	"regexp"
	"strconv"
)

var taskIDRegex = regexp.MustCompile(`^step-(\d+)-task-(\d+)$`)

// TaskID identifies one task of a step as step-{step}-task-{task}
type TaskID struct {
	Step int
	Task int
}

// ParseTaskID parses a string like "step-85-task-1" into a TaskID
func ParseTaskID(s string) (TaskID, error) {
	matches := taskIDRegex.FindStringSubmatch(s)
	if matches == nil {
		return TaskID{}, fmt.Errorf("invalid task ID format: %q (expected step-N-task-M)", s)
	}
	step, err := strconv.Atoi(matches[1])
	if err != nil {
		return TaskID{}, fmt.Errorf("invalid step number in %q: %w", s, err)
	}
	task, err := strconv.Atoi(matches[2])
	if err != nil {
		return TaskID{}, fmt.Errorf("invalid task number in %q: %w", s, err)
	}
	return TaskID{Step: step, Task: task}, nil
}

// String returns the canonical string representation
func (t TaskID) String() string {
	return fmt.Sprintf("step-%d-task-%d", t.Step, t.Task)
}

// StepNumberFromTask extracts the step number from a task identifier.
// Identifiers that don't follow the step-N-task-M shape yield nil.
func StepNumberFromTask(taskID string) *int {
	tid, err := ParseTaskID(taskID)
	if err != nil {
		return nil
	}
	return &tid.Step
}
