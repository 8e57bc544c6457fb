package directord

import (
	"context"
	"log/slog"
	"time"
)

// Option configures a Director.
type Option func(*Director) error

// Storer is the minimal store interface held by the Director.
// It covers lifecycle operations only. The full composite interface
// (store.Store) is used in subsystem layers that don't create import
// cycles. Implementations satisfy store.Store which embeds all
// subsystem stores.
type Storer interface {
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// coreRunner is an internal interface for the control-loop lifecycle
// (dispatcher, aggregator, transport).
type coreRunner interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// extensionEmitter is an internal interface for extension lifecycle events.
type extensionEmitter interface {
	EmitShutdown(ctx context.Context)
}

// Director is the central coordinator of the control plane: job intake,
// task dispatch, result aggregation, and fleet bookkeeping.
//
// Create one with New() and functional options. The Director holds
// references to subsystem components via internal interfaces to avoid
// import cycles. Use engine.Build() to wire everything together.
type Director struct {
	config     Config
	logger     *slog.Logger
	store      Storer
	extensions extensionEmitter
	core       coreRunner

	// started tracks whether Start has been called.
	started bool
}

// New creates a new Director with the given options.
func New(opts ...Option) (*Director, error) {
	d := &Director{
		config: DefaultConfig(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(d); err != nil {
			return nil, err
		}
	}
	return d, nil
}

// Logger returns the director's logger.
func (d *Director) Logger() *slog.Logger { return d.logger }

// Store returns the director's store.
func (d *Director) Store() Storer { return d.store }

// Config returns a copy of the director's configuration.
func (d *Director) Config() Config { return d.config }

// SetCore sets the control-loop runner (called by the engine package).
func (d *Director) SetCore(c coreRunner) { d.core = c }

// SetExtensions sets the extension emitter (called by the engine package).
func (d *Director) SetExtensions(e extensionEmitter) { d.extensions = e }

// Start begins task processing.
func (d *Director) Start(ctx context.Context) error {
	if d.core == nil {
		return ErrNoStore
	}
	if err := d.core.Start(ctx); err != nil {
		return err
	}
	d.started = true
	return nil
}

// Stop gracefully shuts down the director.
func (d *Director) Stop(ctx context.Context) error {
	if d.core != nil && d.started {
		if err := d.core.Stop(ctx); err != nil {
			d.logger.Error("core stop error", "error", err)
		}
	}
	if d.extensions != nil {
		d.extensions.EmitShutdown(ctx)
	}
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// WithMaxInFlight sets the fleet-wide cap on dispatched tasks.
func WithMaxInFlight(n int) Option {
	return func(d *Director) error {
		d.config.MaxInFlight = n
		return nil
	}
}

// WithPerTargetInFlight sets the per-target cap on dispatched tasks.
func WithPerTargetInFlight(n int) Option {
	return func(d *Director) error {
		d.config.PerTargetInFlight = n
		return nil
	}
}

// WithPollInterval sets how often the dispatcher scans for ready tasks.
func WithPollInterval(interval time.Duration) Option {
	return func(d *Director) error {
		d.config.PollInterval = interval
		return nil
	}
}

// WithHeartbeatInterval sets the expected agent heartbeat cadence.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(d *Director) error {
		d.config.HeartbeatInterval = interval
		return nil
	}
}

// WithWorkerStaleAfter sets how long a silent worker stays registered.
func WithWorkerStaleAfter(ttl time.Duration) Option {
	return func(d *Director) error {
		d.config.WorkerStaleAfter = ttl
		return nil
	}
}

// WithDefaultTaskTimeout sets the execution timeout for steps that do
// not carry their own.
func WithDefaultTaskTimeout(timeout time.Duration) Option {
	return func(d *Director) error {
		d.config.DefaultTaskTimeout = timeout
		return nil
	}
}

// WithDedupTTL sets the default lifetime of deduplication entries.
func WithDedupTTL(ttl time.Duration) Option {
	return func(d *Director) error {
		d.config.DedupTTL = ttl
		return nil
	}
}

// WithJobRetention sets how long finished jobs are kept before pruning.
func WithJobRetention(retention time.Duration) Option {
	return func(d *Director) error {
		d.config.JobRetention = retention
		return nil
	}
}

// WithLogger sets the structured logger for the director.
func WithLogger(l *slog.Logger) Option {
	return func(d *Director) error {
		d.logger = l
		return nil
	}
}

// WithStore sets the persistence backend for the director.
// The store must implement Storer at minimum; typically it will be a
// store.Store which embeds all subsystem store interfaces.
func WithStore(s Storer) Option {
	return func(d *Director) error {
		d.store = s
		return nil
	}
}
