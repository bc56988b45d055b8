package ledger

import "fmt"

// WithdrawalState is a step of the withdrawal dialog.
type WithdrawalState string

const (
	WithdrawalStateConfirm    WithdrawalState = "confirm"
	WithdrawalStateProcessing WithdrawalState = "processing"
	WithdrawalStateSuccess    WithdrawalState = "success"
	WithdrawalStateError      WithdrawalState = "error"
)

// String returns the state name.
func (state WithdrawalState) String() string {
	return string(state)
}

// Terminal reports whether no further transition happens without a dismissal.
func (state WithdrawalState) Terminal() bool {
	return state == WithdrawalStateSuccess || state == WithdrawalStateError
}

// WithdrawalFlow drives confirm -> processing -> success | error.
// The zero value is not usable; call NewWithdrawalFlow.
type WithdrawalFlow struct {
	state   WithdrawalState
	failure error
	visited []WithdrawalState
}

// NewWithdrawalFlow returns a flow in the confirm state.
func NewWithdrawalFlow() *WithdrawalFlow {
	return &WithdrawalFlow{
		state:   WithdrawalStateConfirm,
		visited: []WithdrawalState{WithdrawalStateConfirm},
	}
}

// State returns the current state.
func (flow *WithdrawalFlow) State() WithdrawalState {
	return flow.state
}

// Failure returns the error that moved the flow into the error state.
func (flow *WithdrawalFlow) Failure() error {
	return flow.failure
}

// Visited returns every state entered since the last reset, in order.
func (flow *WithdrawalFlow) Visited() []WithdrawalState {
	return append([]WithdrawalState(nil), flow.visited...)
}

// Confirm handles the explicit user confirmation. Without a linked payout
// method the flow goes straight to error and never enters processing.
func (flow *WithdrawalFlow) Confirm(hasPayoutMethod bool) error {
	if flow.state != WithdrawalStateConfirm {
		return fmt.Errorf("%w: confirm from %s", ErrInvalidTransition, flow.state)
	}
	if !hasPayoutMethod {
		flow.fail(ErrPayoutMethodMissing)
		return nil
	}
	flow.enter(WithdrawalStateProcessing)
	return nil
}

// Resolve settles a processing flow with the payout outcome (nil for accepted).
func (flow *WithdrawalFlow) Resolve(outcome error) error {
	if flow.state != WithdrawalStateProcessing {
		return fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, flow.state)
	}
	if outcome != nil {
		flow.fail(outcome)
		return nil
	}
	flow.enter(WithdrawalStateSuccess)
	return nil
}

// Dismiss closes the dialog. It is refused while processing; from any other
// state the flow is reset to confirm and nothing is retried.
func (flow *WithdrawalFlow) Dismiss() error {
	if flow.state == WithdrawalStateProcessing {
		return ErrWithdrawalInFlight
	}
	flow.state = WithdrawalStateConfirm
	flow.failure = nil
	flow.visited = []WithdrawalState{WithdrawalStateConfirm}
	return nil
}

func (flow *WithdrawalFlow) fail(failure error) {
	flow.failure = failure
	flow.enter(WithdrawalStateError)
}

func (flow *WithdrawalFlow) enter(state WithdrawalState) {
	flow.state = state
	flow.visited = append(flow.visited, state)
}
