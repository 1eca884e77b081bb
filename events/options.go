package events

// SubscriptionOptions holds configuration for a subscription.
type SubscriptionOptions struct {
	// BufferSize is how many events may queue for a slow handler before new
	// ones are dropped. Defaults to 64.
	BufferSize int
}

// Option configures a subscription.
type Option func(*SubscriptionOptions)

// DefaultSubscriptionOptions returns the default options.
func DefaultSubscriptionOptions() *SubscriptionOptions {
	return &SubscriptionOptions{BufferSize: 64}
}

// WithBufferSize sets the per-subscription queue length.
func WithBufferSize(n int) Option {
	return func(o *SubscriptionOptions) {
		if n > 0 {
			o.BufferSize = n
		}
	}
}

// Apply applies opts in order.
func (o *SubscriptionOptions) Apply(opts ...Option) {
	for _, opt := range opts {
		opt(o)
	}
}
