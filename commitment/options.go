package commitment

import "go.uber.org/zap"

// Option configures an Engine or PurchaseLedger.
type Option func(*options)

type options struct {
	clock  Clock
	logger *zap.Logger
	locks  *CustomerLocks
}

func newOptions(opts []Option) options {
	o := options{
		clock:  systemClock,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.locks == nil {
		o.locks = NewCustomerLocks()
	}
	return o
}

// WithClock overrides the time source.
func WithClock(c Clock) Option {
	return func(o *options) {
		if c != nil {
			o.clock = c
		}
	}
}

// WithLogger sets the logger used for state transitions and store failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithLocks shares a lock table between components writing the same store.
func WithLocks(l *CustomerLocks) Option {
	return func(o *options) { o.locks = l }
}
