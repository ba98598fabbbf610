// Package chain defines the Chain Adapter contract the orchestration core
// drives, and the per-network configuration the core needs to interpret
// adapter answers (required confirmations, nominal duration, timeout).
//
// The core never depends on a network's address formats, fee units or
// finality rules beyond these values. Concrete adapters live outside the
// core; this package ships a Simulated adapter for development and a Limited
// wrapper that rate-limits any adapter.
package chain

import (
	"context"
	"time"
)

// Adapter is the single capability every network exposes to the core.
type Adapter interface {
	// Network returns the network name the adapter serves.
	Network() string

	// Submit starts the on-chain leg described by req and returns the chain
	// reference (tx id, signature) to poll.
	Submit(ctx context.Context, req SubmitRequest) (string, error)

	// QueryStatus reports confirmation progress for a reference.
	QueryStatus(ctx context.Context, reference string) (TxStatus, error)
}

// SubmitRequest describes one step to put on chain.
type SubmitRequest struct {
	OperationID string  `json:"operation_id"`
	StepIndex   int     `json:"step_index"`
	Owner       string  `json:"owner"`
	Kind        string  `json:"kind"`
	Type        string  `json:"type,omitempty"`
	Asset       string  `json:"asset,omitempty"`
	Amount      float64 `json:"amount,omitempty"`
}

// TxStatus is an adapter's view of a submitted reference.
type TxStatus struct {
	Confirmed     bool `json:"confirmed"`
	Confirmations int  `json:"confirmations"`
}

// NetworkConfig holds the per-network constants supplied by configuration.
type NetworkConfig struct {
	// Name is the network identifier (bitcoin, ethereum, solana, icp)
	Name string `json:"name" yaml:"name"`

	// RequiredConfirmations is the finality threshold for Completed
	RequiredConfirmations int `json:"required_confirmations" yaml:"required_confirmations"`

	// NominalDuration is the expected time for one step to finalize
	NominalDuration time.Duration `json:"nominal_duration" yaml:"nominal_duration"`

	// Timeout is this network's operation budget; the operation deadline is
	// the maximum over all configured networks unless overridden
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// InProgressFraction of NominalDuration, measured from when the step
	// became eligible, before a Pending step is submitted
	InProgressFraction float64 `json:"in_progress_fraction" yaml:"in_progress_fraction"`

	// ConfirmingFraction of NominalDuration, measured from submission, after
	// which an unconfirmed InProgress step is reported as Confirming
	ConfirmingFraction float64 `json:"confirming_fraction" yaml:"confirming_fraction"`

	// RateLimit caps adapter calls per second (0 = unlimited)
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit"`

	// Burst is the rate limiter bucket size
	Burst int `json:"burst" yaml:"burst"`
}

// Satisfied reports whether status meets the network's finality threshold.
func (n NetworkConfig) Satisfied(status TxStatus) bool {
	return status.Confirmed && status.Confirmations >= n.RequiredConfirmations
}

// Fraction returns f of the nominal duration.
func (n NetworkConfig) Fraction(f float64) time.Duration {
	return time.Duration(float64(n.NominalDuration) * f)
}
