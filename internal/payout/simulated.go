// Package payout contains PayoutProvider implementations.
package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/questnet/pkg/ledger"
)

// Simulated accepts every payout after a fixed delay.
// Handles listed in RejectHandles are refused, which lets local setups
// exercise the failure path.
type Simulated struct {
	Delay         time.Duration
	RejectHandles map[string]struct{}

	mu          sync.Mutex
	resolutions map[string]ledger.PayoutResolution
}

// NewSimulated returns a provider that settles after delay.
func NewSimulated(delay time.Duration, rejectHandles ...string) *Simulated {
	rejected := make(map[string]struct{}, len(rejectHandles))
	for _, handle := range rejectHandles {
		rejected[handle] = struct{}{}
	}
	return &Simulated{Delay: delay, RejectHandles: rejected}
}

// SubmitPayout implements ledger.PayoutProvider.
func (provider *Simulated) SubmitPayout(ctx context.Context, request ledger.PayoutRequest) error {
	if provider.Delay > 0 {
		timer := time.NewTimer(provider.Delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
	if _, rejected := provider.RejectHandles[request.Destination.Handle()]; rejected {
		provider.remember(request.WithdrawalID, ledger.PayoutResolutionRejected)
		return fmt.Errorf("%w: handle %s refused", ledger.ErrPayoutProviderRejected, request.Destination.Handle())
	}
	provider.remember(request.WithdrawalID, ledger.PayoutResolutionAccepted)
	return nil
}

// LookupPayout implements ledger.PayoutProvider. Withdrawals never submitted
// in this process are unknown.
func (provider *Simulated) LookupPayout(_ context.Context, withdrawalID string) (ledger.PayoutResolution, error) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if resolution, ok := provider.resolutions[withdrawalID]; ok {
		return resolution, nil
	}
	return ledger.PayoutResolutionUnknown, nil
}

func (provider *Simulated) remember(withdrawalID string, resolution ledger.PayoutResolution) {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if provider.resolutions == nil {
		provider.resolutions = make(map[string]ledger.PayoutResolution)
	}
	provider.resolutions[withdrawalID] = resolution
}
