package durable

import (
	"os"
	"time"

	"k8s.io/utils/clock"

	internal_logger "github.com/luno/durable/internal/logger"
)

const (
	defaultErrBackOff          = 1 * time.Second
	defaultPrefetchErrBackOff  = 5 * time.Second
	defaultPrefetchConcurrency = 100
	defaultStoreTimeout        = 2 * time.Minute
	defaultRequeueDelay        = 200 * time.Millisecond
	defaultPoisonThreshold     = 10
	defaultDispatchConcurrency = 1
	defaultStatsSchedule       = "@every 30s"
)

// options provides a common option configuration structure for the SessionManager and the Worker.
type options struct {
	clock     clock.Clock
	logger    Logger
	debugMode bool

	errBackOff          time.Duration
	prefetchErrBackOff  time.Duration
	prefetchConcurrency int
	storeTimeout        time.Duration
	requeueDelay        time.Duration

	// poisonThreshold is the dequeue count at which an unresolved execution started message, or a message for an
	// execution that never started, is dropped.
	poisonThreshold int

	sessionIdleTimeout  time.Duration
	dispatchConcurrency int
	statsSchedule       string
	middleware          []Middleware
}

func defaultOptions() options {
	return options{
		clock:               clock.RealClock{},
		logger:              internal_logger.New(os.Stdout),
		errBackOff:          defaultErrBackOff,
		prefetchErrBackOff:  defaultPrefetchErrBackOff,
		prefetchConcurrency: defaultPrefetchConcurrency,
		storeTimeout:        defaultStoreTimeout,
		requeueDelay:        defaultRequeueDelay,
		poisonThreshold:     defaultPoisonThreshold,
		dispatchConcurrency: defaultDispatchConcurrency,
		statsSchedule:       defaultStatsSchedule,
	}
}

func buildOptions(opts ...Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	return o
}

type Option func(o *options)

func WithClock(c clock.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

func WithLogger(l Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

func WithDebugMode() Option {
	return func(o *options) {
		o.debugMode = true
	}
}

// WithErrBackOff defines the time duration of the backoff of a worker process when an error is encountered.
func WithErrBackOff(d time.Duration) Option {
	return func(o *options) {
		o.errBackOff = d
	}
}

// WithPrefetchErrBackOff defines how long a failed history prefetch waits before it is attempted again.
func WithPrefetchErrBackOff(d time.Duration) Option {
	return func(o *options) {
		o.prefetchErrBackOff = d
	}
}

// WithPrefetchConcurrency bounds the number of history prefetches in flight.
func WithPrefetchConcurrency(n int) Option {
	return func(o *options) {
		o.prefetchConcurrency = n
	}
}

// WithStoreTimeout bounds every call made to the HistoryStore.
func WithStoreTimeout(d time.Duration) Option {
	return func(o *options) {
		o.storeTimeout = d
	}
}

// WithRequeueDelay is how long a batch for a different generation of an active instance waits before being put
// back on an otherwise empty ready queue.
func WithRequeueDelay(d time.Duration) Option {
	return func(o *options) {
		o.requeueDelay = d
	}
}

// WithPoisonThreshold is the dequeue count at which an execution started message without a matching instance
// record is treated as poison and dropped. Messages for an execution that never started are dropped at the same
// count.
func WithPoisonThreshold(n int) Option {
	return func(o *options) {
		o.poisonThreshold = n
	}
}

// WithSessionIdleTimeout keeps a session checked out after it has been processed for up to d waiting for more
// messages. A zero value releases sessions as soon as they have been processed.
func WithSessionIdleTimeout(d time.Duration) Option {
	return func(o *options) {
		o.sessionIdleTimeout = d
	}
}

// WithDispatchConcurrency defines the number of sessions the Worker executes in parallel.
func WithDispatchConcurrency(n int) Option {
	return func(o *options) {
		o.dispatchConcurrency = n
	}
}

// WithStatsSchedule takes a cron spec defining how often the Worker reports session manager stats.
func WithStatsSchedule(spec string) Option {
	return func(o *options) {
		o.statsSchedule = spec
	}
}

// WithMiddleware adds middleware to the dispatch pipeline. The first middleware added is the outermost.
func WithMiddleware(m ...Middleware) Option {
	return func(o *options) {
		o.middleware = append(o.middleware, m...)
	}
}
