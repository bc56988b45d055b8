package ledger

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// AccountObserver is notified after an account change has been committed.
type AccountObserver interface {
	AccountChanged(ctx context.Context, account Account)
}

// OperationLog describes a state-changing ledger operation.
type OperationLog struct {
	Operation string
	UserID    UserID
	Points    int64
	Amount    AmountCents
	Reference string
	Status    string
	Error     error
}

// OperationLoggers fans a log entry out to several loggers.
type OperationLoggers []OperationLogger

// LogOperation forwards the entry to every non-nil logger.
func (loggers OperationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// WithAccountObserver wires a listener for committed account changes.
func WithAccountObserver(observer AccountObserver) ServiceOption {
	return func(service *Service) {
		service.observer = observer
	}
}

// WithPolicy overrides DefaultPolicy.
func WithPolicy(policy Policy) ServiceOption {
	return func(service *Service) {
		service.policy = policy
	}
}

// WithPayoutProvider wires the payout rail used by RequestWithdrawal.
func WithPayoutProvider(provider PayoutProvider) ServiceOption {
	return func(service *Service) {
		service.payouts = provider
	}
}

// WithIDGenerator overrides the generator used for reward and withdrawal ids.
func WithIDGenerator(generate func() string) ServiceOption {
	return func(service *Service) {
		if generate != nil {
			service.newID = generate
		}
	}
}
