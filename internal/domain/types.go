package domain

// RunStatus represents how an orchestrator invocation ended
type RunStatus string

const (
	RunCompleted RunStatus = "completed"
	RunHalted    RunStatus = "halted"
)

// StepStatus represents the outcome of a step
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepHalted    StepStatus = "halted"
)

// IsFailure reports whether the status counts against a run's failed steps
func (s StepStatus) IsFailure() bool {
	return s == StepFailed || s == StepHalted
}

// PRStatus represents the lifecycle state of a pull request
type PRStatus string

const (
	PRMerged  PRStatus = "merged"
	PRUnknown PRStatus = "unknown"
)

// Log severities that appear in run and step logs
const (
	LevelDebug = "DEBUG"
	LevelInfo  = "INFO"
	LevelWarn  = "WARN"
	LevelError = "ERROR"
)
