package statemanager

import "time"

// OperationState represents a tracked multi-step operation
type OperationState struct {
	ID                  string            `json:"id"`
	ServiceName         string            `json:"service_name,omitempty"`
	Owner               string            `json:"owner"`
	Kind                string            `json:"kind"` // e.g., "deposit", "swap", "withdrawal"
	Status              Status            `json:"status"`
	Steps               []Step            `json:"steps"`
	FromAsset           string            `json:"from_asset,omitempty"`
	ToAsset             string            `json:"to_asset,omitempty"`
	Amount              float64           `json:"amount,omitempty"`
	StartedAt           time.Time         `json:"started_at"`
	LastUpdate          time.Time         `json:"last_update"`
	EstimatedCompletion time.Time         `json:"estimated_completion"`
	Deadline            time.Time         `json:"deadline"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	Duration            string            `json:"duration,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Step is one on-chain leg of an operation, bound to exactly one network
type Step struct {
	Index          int        `json:"index"`
	Network        string     `json:"network"`
	Type           string     `json:"type,omitempty"`
	Asset          string     `json:"asset,omitempty"`
	Amount         float64    `json:"amount,omitempty"`
	Status         StepStatus `json:"status"`
	Attempts       int        `json:"attempts"`
	Confirmations  int        `json:"confirmations"`
	ChainReference string     `json:"chain_reference,omitempty"`
	Error          string     `json:"error,omitempty"`
	EligibleAt     *time.Time `json:"eligible_at,omitempty"` // all previous steps completed
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
	LastUpdate     time.Time  `json:"last_update"`
}

// StepSpec describes a step to create
type StepSpec struct {
	Network string  `json:"network"`
	Type    string  `json:"type,omitempty"`
	Asset   string  `json:"asset,omitempty"`
	Amount  float64 `json:"amount,omitempty"`
}

// StartRequest describes a new operation
type StartRequest struct {
	Owner     string            `json:"owner"`
	Kind      string            `json:"kind"`
	Steps     []StepSpec        `json:"steps"`
	FromAsset string            `json:"from_asset,omitempty"`
	ToAsset   string            `json:"to_asset,omitempty"`
	Amount    float64           `json:"amount,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// StepPatch is a partial update of a step. Nil fields are left unchanged.
type StepPatch struct {
	// ExpectStatus makes the patch conditional on the current step status
	ExpectStatus *StepStatus `json:"expect_status,omitempty"`

	Status         *StepStatus `json:"status,omitempty"`
	Attempts       *int        `json:"attempts,omitempty"`
	Confirmations  *int        `json:"confirmations,omitempty"`
	ChainReference *string     `json:"chain_reference,omitempty"`
	Error          *string     `json:"error,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	NextAttemptAt  *time.Time  `json:"next_attempt_at,omitempty"`
}

// Status represents the aggregate state of an operation
type Status string

const (
	StatusInitiated  Status = "initiated"
	StatusMonitoring Status = "monitoring"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusTimeout    Status = "timeout"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusTimeout
}

// StepStatus represents the state of a single step
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepConfirming StepStatus = "confirming"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepTimeout    StepStatus = "timeout"
)

// Terminal reports whether the step can no longer change.
func (s StepStatus) Terminal() bool {
	return s == StepCompleted || s == StepFailed || s == StepTimeout
}

// rank orders step statuses; transitions never decrease rank.
func (s StepStatus) rank() int {
	switch s {
	case StepPending:
		return 0
	case StepInProgress:
		return 1
	case StepConfirming:
		return 2
	case StepCompleted, StepFailed, StepTimeout:
		return 3
	}
	return -1
}

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	return s.rank() >= 0
}

// Progress summarizes completed steps
type Progress struct {
	Completed  int `json:"completed"`
	Total      int `json:"total"`
	Percentage int `json:"percentage"`
}

// OperationView is the read-only projection returned by Status
type OperationView struct {
	ID                  string            `json:"id"`
	Owner               string            `json:"owner"`
	Kind                string            `json:"kind"`
	Status              Status            `json:"status"`
	Progress            Progress          `json:"progress"`
	CurrentStep         *Step             `json:"current_step,omitempty"`
	Steps               []Step            `json:"steps"`
	FromAsset           string            `json:"from_asset,omitempty"`
	ToAsset             string            `json:"to_asset,omitempty"`
	Amount              float64           `json:"amount,omitempty"`
	StartedAt           time.Time         `json:"started_at"`
	LastUpdate          time.Time         `json:"last_update"`
	EstimatedCompletion time.Time         `json:"estimated_completion"`
	CompletedAt         *time.Time        `json:"completed_at,omitempty"`
	Metadata            map[string]string `json:"metadata,omitempty"`
}

// Filter selects operations in ListOperations
type Filter struct {
	Owner  string
	Status Status
	Kind   string
}

// OperationStats provides aggregated statistics
type OperationStats struct {
	TotalOperations int            `json:"total_operations"`
	ByStatus        map[Status]int `json:"by_status"`
	ByKind          map[string]int `json:"by_kind"`
	AverageDuration string         `json:"average_duration,omitempty"`
}
