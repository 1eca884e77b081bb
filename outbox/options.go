package outbox

import "time"

// DefaultList is the Redis list envelopes are pushed to.
const DefaultList = "share:outbox"

type publisherOptions struct {
	postTimeout time.Duration // applied when the caller's context has no deadline
	maxLen      int64         // LTRIM bound, 0 disables trimming
	dedupeTTL   time.Duration // lifetime of the per-session marker, 0 disables dedupe
}

func defaultPublisherOptions() publisherOptions {
	return publisherOptions{
		postTimeout: 5 * time.Second,
		dedupeTTL:   10 * time.Minute,
	}
}

// PublisherOption configures a Publisher.
type PublisherOption func(*publisherOptions)

// WithPostTimeout sets the timeout used when Post is called without a deadline.
func WithPostTimeout(d time.Duration) PublisherOption {
	return func(o *publisherOptions) {
		if d > 0 {
			o.postTimeout = d
		}
	}
}

// WithMaxLen keeps only the newest n envelopes on the list. 0 disables trimming.
func WithMaxLen(n int64) PublisherOption {
	return func(o *publisherOptions) {
		if n >= 0 {
			o.maxLen = n
		}
	}
}

// WithDedupeTTL sets how long a posted session is remembered. 0 disables
// de-duplication.
func WithDedupeTTL(d time.Duration) PublisherOption {
	return func(o *publisherOptions) {
		if d >= 0 {
			o.dedupeTTL = d
		}
	}
}

type consumerOptions struct {
	blockTime time.Duration
}

func defaultConsumerOptions() consumerOptions {
	return consumerOptions{blockTime: 5 * time.Second}
}

// ConsumerOption configures a Consumer.
type ConsumerOption func(*consumerOptions)

// WithBlockTime sets how long Next blocks waiting for an envelope.
func WithBlockTime(d time.Duration) ConsumerOption {
	return func(o *consumerOptions) {
		if d > 0 {
			o.blockTime = d
		}
	}
}
