package chain

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"hut.evalgo.org/clock"
	"hut.evalgo.org/common"
)

var errUnknownReference = errors.New("unknown reference")

// Simulated is a development adapter whose transactions confirm once the
// network's nominal duration has elapsed on the injected clock.
type Simulated struct {
	network NetworkConfig
	clock   clock.Clock

	mu        sync.Mutex
	submitted map[string]time.Time // unconfirmed references by submission time
}

// NewSimulated creates a simulated adapter for network.
func NewSimulated(network NetworkConfig, c clock.Clock) *Simulated {
	return &Simulated{
		network:   network,
		clock:     clock.OrReal(c),
		submitted: make(map[string]time.Time),
	}
}

// Network returns the network name.
func (s *Simulated) Network() string {
	return s.network.Name
}

// Submit records the submission time and returns a synthetic reference.
func (s *Simulated) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", common.NewAdapterError(s.network.Name, "submit", err)
	}

	ref := fmt.Sprintf("sim-%s-%s", s.network.Name, uuid.NewString())

	s.mu.Lock()
	s.submitted[ref] = s.clock.Now()
	s.mu.Unlock()

	return ref, nil
}

// QueryStatus derives confirmations from elapsed time. Confirmations grow
// linearly to RequiredConfirmations over the nominal duration. A reference
// is forgotten once it has been reported confirmed.
func (s *Simulated) QueryStatus(ctx context.Context, reference string) (TxStatus, error) {
	if err := ctx.Err(); err != nil {
		return TxStatus{}, common.NewAdapterError(s.network.Name, "query", err)
	}

	s.mu.Lock()
	at, ok := s.submitted[reference]
	s.mu.Unlock()
	if !ok {
		return TxStatus{}, common.NewAdapterError(s.network.Name, "query", fmt.Errorf("%w: %s", errUnknownReference, reference))
	}

	elapsed := s.clock.Now().Sub(at)
	nominal := s.network.NominalDuration
	required := s.network.RequiredConfirmations

	if nominal <= 0 || elapsed >= nominal {
		s.mu.Lock()
		delete(s.submitted, reference)
		s.mu.Unlock()
		return TxStatus{Confirmed: true, Confirmations: required}, nil
	}

	confirmations := int(float64(required) * float64(elapsed) / float64(nominal))
	return TxStatus{Confirmations: confirmations}, nil
}
