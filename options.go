package identity

import "time"

// Option customizes the components built by this package.
type Option func(*activityRecorder)

// WithClock injects a custom clock (useful for tests).
func WithClock(clock func() time.Time) Option {
	return func(r *activityRecorder) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithLogger overrides the logger used for best-effort failures.
func WithLogger(logger Logger) Option {
	return func(r *activityRecorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithActivitySink sets the ActivitySink used to publish events.
func WithActivitySink(sink ActivitySink) Option {
	return func(r *activityRecorder) {
		r.sink = normalizeActivitySink(sink)
	}
}

func applyOptions(opts []Option) activityRecorder {
	r := newActivityRecorder()
	for _, opt := range opts {
		if opt != nil {
			opt(&r)
		}
	}
	return r
}
