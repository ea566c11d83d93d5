// Package broker assembles the coordination stack behind one facade:
// identity verification, the relationship store, the policy registry, the
// admission pipeline, the lifecycle engine, and the delivery hub. Every verb
// that mutates a relationship runs under that relationship's keyed mutex;
// distinct relationships proceed independently and hand state to each other
// only through the store.
package broker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/admission"
	"github.com/Mindburn-Labs/accord/pkg/audit"
	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/delivery"
	"github.com/Mindburn-Labs/accord/pkg/identity"
	"github.com/Mindburn-Labs/accord/pkg/lifecycle"
	"github.com/Mindburn-Labs/accord/pkg/policy"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

// ErrUnauthorized rejects read access by a caller who is not a party to the
// relationship.
var ErrUnauthorized = errors.New("caller is not a participant of the relationship")

// Broker is the single entry point callers and transports talk to. It owns
// the cross-wiring the subsystems need: the delivery hub settles abandoned
// intents through the broker, the admission pipeline probes the hub for
// backpressure and closes relationships through the lifecycle engine, and
// the engine cancels pending deliveries through the hub.
type Broker struct {
	verifier identity.Verifier
	store    store.Store
	keys     *chain.Keyring
	pipeline *admission.Pipeline
	engine   *lifecycle.Engine
	hub      *delivery.Hub
	log      *slog.Logger
	clock    func() time.Time
	locks    *relLocks
}

type settings struct {
	clock         func() time.Time
	log           *slog.Logger
	lifecycleOpts []lifecycle.Option
	admissionOpts []admission.Option
	deliveryOpts  []delivery.Option
}

// Option configures a Broker and the subsystems it assembles.
type Option func(*settings)

// WithClock overrides the wall clock everywhere, for tests.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

// WithLogger overrides the structured logger everywhere.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) { s.log = l }
}

// WithOversight routes breach attempts and lifecycle records to the given
// oversight channel.
func WithOversight(l audit.Logger) Option {
	return func(s *settings) {
		s.lifecycleOpts = append(s.lifecycleOpts, lifecycle.WithOversight(l))
		s.admissionOpts = append(s.admissionOpts, admission.WithOversight(l))
	}
}

// WithArchive wires evidence-pack export on close. When always is set every
// close exports; otherwise only chains carrying legal-hold markers do.
func WithArchive(a lifecycle.Archiver, always bool) Option {
	return func(s *settings) {
		s.lifecycleOpts = append(s.lifecycleOpts, lifecycle.WithArchive(a, always))
	}
}

// WithDefaults overrides the establish-time defaults for the activity window
// and the depth cap.
func WithDefaults(window time.Duration, maxDepth int) Option {
	return func(s *settings) {
		s.lifecycleOpts = append(s.lifecycleOpts, lifecycle.WithDefaults(window, maxDepth))
	}
}

// WithAdmissionDeadline bounds one admission end to end.
func WithAdmissionDeadline(d time.Duration) Option {
	return func(s *settings) {
		s.admissionOpts = append(s.admissionOpts, admission.WithDeadline(d))
	}
}

// WithGrace overrides the appointment grace period.
func WithGrace(d time.Duration) Option {
	return func(s *settings) {
		s.admissionOpts = append(s.admissionOpts, admission.WithGrace(d))
	}
}

// WithResponseExtension makes recorded responses move the activity expiry
// forward.
func WithResponseExtension(on bool) Option {
	return func(s *settings) {
		s.admissionOpts = append(s.admissionOpts, admission.WithResponseExtension(on))
	}
}

// WithQueueCapacity bounds each participant's pending delivery queue.
func WithQueueCapacity(n int) Option {
	return func(s *settings) {
		s.deliveryOpts = append(s.deliveryOpts, delivery.WithQueueCapacity(n))
	}
}

// WithAckTimeout overrides the delivery acknowledgment window.
func WithAckTimeout(d time.Duration) Option {
	return func(s *settings) {
		s.deliveryOpts = append(s.deliveryOpts, delivery.WithAckTimeout(d))
	}
}

// WithHeartbeat overrides the subscription keepalive interval.
func WithHeartbeat(d time.Duration) Option {
	return func(s *settings) {
		s.deliveryOpts = append(s.deliveryOpts, delivery.WithHeartbeat(d))
	}
}

// New assembles a broker. Every dependency is required: the broker fails
// closed rather than running with verification or persistence missing.
func New(verifier identity.Verifier, st store.Store, keys *chain.Keyring, reg *policy.Registry, opts ...Option) (*Broker, error) {
	if verifier == nil {
		return nil, errors.New("identity verifier is required")
	}
	if st == nil {
		return nil, errors.New("store is required")
	}
	if keys == nil {
		return nil, errors.New("chain keyring is required")
	}
	if reg == nil {
		return nil, errors.New("policy registry is required")
	}

	s := settings{clock: time.Now, log: slog.Default()}
	for _, opt := range opts {
		opt(&s)
	}

	b := &Broker{
		verifier: verifier,
		store:    st,
		keys:     keys,
		log:      s.log,
		clock:    s.clock,
		locks:    newRelLocks(),
	}
	b.hub = delivery.NewHub(b, append(s.deliveryOpts, delivery.WithLogger(s.log))...)
	b.engine = lifecycle.NewEngine(st, keys, reg, append(s.lifecycleOpts,
		lifecycle.WithClock(s.clock),
		lifecycle.WithLogger(s.log),
		lifecycle.WithCanceler(b.hub),
	)...)
	b.pipeline = admission.NewPipeline(st, keys, reg, b.engine, append(s.admissionOpts,
		admission.WithClock(s.clock),
		admission.WithLogger(s.log),
		admission.WithBackpressure(b.hub),
	)...)
	return b, nil
}

// SetPolicies swaps the live policy registry for admissions and establishes.
// In-flight operations keep the registry they started with.
func (b *Broker) SetPolicies(reg *policy.Registry) {
	b.pipeline.SetPolicies(reg)
	b.engine.SetPolicies(reg)
}

// RunSweeper runs the expiry sweep loop until ctx is cancelled.
func (b *Broker) RunSweeper(ctx context.Context, interval time.Duration) {
	b.engine.RunSweeper(ctx, interval)
}

// Shutdown stops the delivery hub: sessions are cancelled and drained, and
// no further frames are accepted. Store contents are untouched.
func (b *Broker) Shutdown() {
	b.hub.Close()
}

// relLocks hands out one mutex per relationship identifier so mutations on a
// single relationship serialize while distinct relationships stay
// independent. Entries are refcounted and dropped when the last holder
// releases, keeping the map bounded by the number of in-flight operations.
type relLocks struct {
	mu    sync.Mutex
	locks map[string]*relLock
}

type relLock struct {
	mu   sync.Mutex
	refs int
}

func newRelLocks() *relLocks {
	return &relLocks{locks: make(map[string]*relLock)}
}

// lock acquires the relationship's mutex and returns its release func.
func (l *relLocks) lock(id string) func() {
	l.mu.Lock()
	e, ok := l.locks[id]
	if !ok {
		e = &relLock{}
		l.locks[id] = e
	}
	e.refs++
	l.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		l.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}
