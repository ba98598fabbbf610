package lifecycle

import "time"

// Status of a sovereign container
type Status string

const (
	StatusNone              Status = "none" // no container, only used in views
	StatusPendingActivation Status = "pending_activation"
	StatusActive            Status = "active"
	StatusExpired           Status = "expired"
)

// Outcome describes what CreateOrGet or Activate did
type Outcome string

const (
	OutcomeCreated           Outcome = "created"
	OutcomeAlreadyExists     Outcome = "already_exists"
	OutcomePendingActivation Outcome = "pending_activation"
	OutcomeActivated         Outcome = "activated"
	OutcomeAlreadyActive     Outcome = "already_active"
)

// Container is a user's sovereign container ("hut")
type Container struct {
	ID                 string     `json:"id"`
	Owner              string     `json:"owner"`
	Status             Status     `json:"status"`
	CreatedAt          time.Time  `json:"created_at"`
	ActivationDeadline time.Time  `json:"activation_deadline"`
	ActivatedAt        *time.Time `json:"activated_at,omitempty"`
	ExpiredAt          *time.Time `json:"expired_at,omitempty"`
	ActivationDeposit  *Deposit   `json:"activation_deposit,omitempty"`
	FirstOperationID   string     `json:"first_operation_id,omitempty"`
	OperationIDs       []string   `json:"operation_ids,omitempty"`
}

// Deposit is the deposit that activated a container
type Deposit struct {
	Asset       string    `json:"asset"`
	Amount      float64   `json:"amount"`
	OperationID string    `json:"operation_id,omitempty"`
	DepositedAt time.Time `json:"deposited_at"`
}

// PastDeadline reports whether a pending container missed its window.
func (c *Container) PastDeadline(now time.Time) bool {
	return c.Status == StatusPendingActivation && now.After(c.ActivationDeadline)
}

// TimeRemaining returns the time left in the activation window, floored at
// zero and truncated to seconds.
func (c *Container) TimeRemaining(now time.Time) time.Duration {
	if c.Status != StatusPendingActivation {
		return 0
	}
	d := c.ActivationDeadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d.Truncate(time.Second)
}

// Result is returned by CreateOrGet and Activate
type Result struct {
	Container     *Container    `json:"container"`
	Outcome       Outcome       `json:"outcome"`
	TimeRemaining time.Duration `json:"time_remaining,omitempty"`

	// Previous is an expired container replaced by this call. It is
	// reported once and then gone.
	Previous *Container `json:"previous,omitempty"`
}

// View is the status projection of an owner's container
type View struct {
	Status                 Status     `json:"status"`
	Container              *Container `json:"container,omitempty"`
	TimeRemainingSeconds   int64      `json:"time_remaining_seconds,omitempty"`
	TimeRemainingFormatted string     `json:"time_remaining_formatted,omitempty"`
	Message                string     `json:"message,omitempty"`
}

// Stats summarizes stored containers
type Stats struct {
	Pending        int     `json:"pending"`
	Active         int     `json:"active"`
	Expired        int     `json:"expired"`
	Total          int     `json:"total"`
	ActivationRate float64 `json:"activation_rate"` // percent of active over pending+active
}
