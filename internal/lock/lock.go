package lock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/guidesmith/internal/kv"
	"github.com/fyrsmithlabs/guidesmith/internal/logging"
	"github.com/fyrsmithlabs/guidesmith/internal/target"
)

const instrumentationName = "github.com/fyrsmithlabs/guidesmith/internal/lock"

// maxAcquireAttempts bounds the reclaim loop when several processes race
// for the same stale record.
const maxAcquireAttempts = 3

var (
	// ErrLockLost is returned when the caller no longer owns the record it
	// is trying to update.
	ErrLockLost = errors.New("lock lost")

	// ErrNotOwner is returned by Release when another holder owns the lock.
	ErrNotOwner = errors.New("lock owned by another holder")
)

// StatusRunning is the only status written while a lock is held.
const StatusRunning = "running"

// Record is the persisted lock document.
type Record struct {
	Holder     string    `json:"holder"`
	PID        int       `json:"pid"`
	Host       string    `json:"host"`
	RunID      string    `json:"run_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	Status     string    `json:"status"`
	Phase      string    `json:"phase,omitempty"`
	Iteration  int       `json:"iteration"`
}

// Result describes the outcome of Acquire.
type Result struct {
	Acquired  bool
	Reclaimed bool
	Reason    string
	Holder    string
	Record    Record
}

// Rejected builds a rejection result for holder.
func Rejected(holder string) Result {
	return Result{Reason: "held by " + holder, Holder: holder}
}

// Update carries progress written into a held lock. RunID must match the
// run that acquired it.
type Update struct {
	RunID     string
	Status    string
	Phase     string
	Iteration int
}

// Manager acquires and maintains lock records in a kv.Store.
type Manager struct {
	store    kv.Store
	holder   string
	host     string
	liveness ProcessLiveness
	now      func() time.Time
	logger   *logging.Logger

	tracer     trace.Tracer
	reclaims   metric.Int64Counter
	rejections metric.Int64Counter
}

// Option configures a Manager.
type Option func(*Manager)

// WithHolder overrides the holder identity (default: this PID).
func WithHolder(holder string) Option {
	return func(m *Manager) { m.holder = holder }
}

// WithHost overrides the recorded host name.
func WithHost(host string) Option {
	return func(m *Manager) { m.host = host }
}

// WithLiveness overrides the holder liveness check.
func WithLiveness(l ProcessLiveness) Option {
	return func(m *Manager) { m.liveness = l }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithTelemetry sets the tracer and meter.
func WithTelemetry(tracer trace.Tracer, meter metric.Meter) Option {
	return func(m *Manager) {
		m.tracer = tracer
		m.initMetrics(meter)
	}
}

// NewManager creates a Manager over store.
func NewManager(store kv.Store, opts ...Option) *Manager {
	host, _ := os.Hostname()
	m := &Manager{
		store:    store,
		holder:   DefaultHolder(),
		host:     host,
		liveness: OSLiveness{},
		now:      time.Now,
		logger:   logging.NewNop(),
		tracer:   otel.Tracer(instrumentationName),
	}
	m.initMetrics(otel.Meter(instrumentationName))
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) initMetrics(meter metric.Meter) {
	var err error
	m.reclaims, err = meter.Int64Counter(
		"guidesmith.lock.reclaims",
		metric.WithDescription("Stale locks reclaimed"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		m.logWarn("failed to create reclaims counter", err)
	}
	m.rejections, err = meter.Int64Counter(
		"guidesmith.lock.rejections",
		metric.WithDescription("Acquisitions rejected because a live holder exists"),
		metric.WithUnit("{lock}"),
	)
	if err != nil {
		m.logWarn("failed to create rejections counter", err)
	}
}

func (m *Manager) logWarn(msg string, err error) {
	if m.logger != nil {
		m.logger.Warn(context.Background(), msg, zap.Error(err))
	}
}

// Holder returns the identity this manager writes into records.
func (m *Manager) Holder() string { return m.holder }

// StoreKey returns the kv key holding the lock for k.
func StoreKey(k target.Key) string {
	return kv.Join("locks", k.Slug())
}

// Acquire attempts to take the lock for key without blocking.
//
// A live holder yields a rejected Result and no error. A stale or
// unreadable record is reclaimed. Acquiring again for the same run is a
// no-op success; a different run in this same process is rejected.
func (m *Manager) Acquire(ctx context.Context, key target.Key, runID string) (Result, error) {
	ctx, span := m.tracer.Start(ctx, "lock.Acquire", trace.WithAttributes(
		attribute.String("key", key.String()),
		attribute.String("run_id", runID),
	))
	defer span.End()

	res, err := m.acquire(ctx, key, runID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Bool("acquired", res.Acquired),
		attribute.Bool("reclaimed", res.Reclaimed),
	)
	attrs := metric.WithAttributes(attribute.String("key", key.String()))
	if res.Reclaimed && m.reclaims != nil {
		m.reclaims.Add(ctx, 1, attrs)
	}
	if !res.Acquired && m.rejections != nil {
		m.rejections.Add(ctx, 1, attrs)
	}
	return res, nil
}

func (m *Manager) acquire(ctx context.Context, key target.Key, runID string) (Result, error) {
	storeKey := StoreKey(key)
	reclaimed := false

	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		rec := m.newRecord(runID)
		data, err := json.Marshal(rec)
		if err != nil {
			return Result{}, fmt.Errorf("encode lock record: %w", err)
		}

		ok, err := m.store.PutIfAbsent(ctx, storeKey, data)
		if err != nil {
			return Result{}, fmt.Errorf("create lock %s: %w", storeKey, err)
		}
		if ok {
			return Result{Acquired: true, Reclaimed: reclaimed, Holder: m.holder, Record: rec}, nil
		}

		existing, err := m.store.Get(ctx, storeKey)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("read lock %s: %w", storeKey, err)
		}

		var current Record
		if err := json.Unmarshal(existing, &current); err != nil {
			m.logger.Warn(ctx, "unreadable lock record treated as stale",
				zap.String("key", key.String()), zap.Error(err))
		} else {
			if m.ownedBy(current, runID) {
				return Result{Acquired: true, Holder: m.holder, Record: current}, nil
			}
			if m.isLive(current) {
				m.logger.Debug(ctx, "lock held by live process",
					zap.String("key", key.String()), zap.String("holder", current.Holder))
				res := Rejected(current.Holder)
				res.Record = current
				return res, nil
			}
			m.logger.Info(ctx, "reclaiming stale lock",
				zap.String("key", key.String()),
				zap.String("stale_holder", current.Holder),
				zap.String("stale_run_id", current.RunID))
		}

		deleted, err := m.store.CompareAndDelete(ctx, storeKey, existing)
		if err != nil {
			return Result{}, fmt.Errorf("reclaim lock %s: %w", storeKey, err)
		}
		if deleted {
			reclaimed = true
		}
	}

	// Lost every race; whoever won is live by construction.
	existing, err := m.store.Get(ctx, storeKey)
	if err == nil {
		var current Record
		if json.Unmarshal(existing, &current) == nil {
			res := Rejected(current.Holder)
			res.Record = current
			return res, nil
		}
	}
	return Rejected("unknown"), nil
}

func (m *Manager) newRecord(runID string) Record {
	now := m.now().UTC()
	return Record{
		Holder:     m.holder,
		PID:        os.Getpid(),
		Host:       m.host,
		RunID:      runID,
		AcquiredAt: now,
		UpdatedAt:  now,
		Status:     StatusRunning,
	}
}

func (m *Manager) ownedBy(rec Record, runID string) bool {
	return rec.Holder == m.holder && rec.Host == m.host && rec.RunID == runID
}

// isLive treats records from other hosts as live since their PID cannot be
// checked from here.
func (m *Manager) isLive(rec Record) bool {
	if rec.Host != "" && rec.Host != m.host {
		return true
	}
	return m.liveness.IsRunning(rec.Holder)
}

// UpdateStatus rewrites the progress fields of a lock this manager holds.
func (m *Manager) UpdateStatus(ctx context.Context, key target.Key, u Update) error {
	storeKey := StoreKey(key)
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		existing, err := m.store.Get(ctx, storeKey)
		if errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("update %s: %w", key, ErrLockLost)
		}
		if err != nil {
			return fmt.Errorf("read lock %s: %w", storeKey, err)
		}
		var rec Record
		if err := json.Unmarshal(existing, &rec); err != nil || !m.ownedBy(rec, u.RunID) {
			return fmt.Errorf("update %s: %w", key, ErrLockLost)
		}
		if u.Status != "" {
			rec.Status = u.Status
		}
		rec.Phase = u.Phase
		rec.Iteration = u.Iteration
		rec.UpdatedAt = m.now().UTC()

		next, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("encode lock record: %w", err)
		}
		ok, err := m.store.CompareAndSwap(ctx, storeKey, existing, next)
		if err != nil {
			return fmt.Errorf("update lock %s: %w", storeKey, err)
		}
		if ok {
			return nil
		}
	}
	return fmt.Errorf("update %s: %w", key, ErrLockLost)
}

// Release removes the lock taken by runID. Releasing an absent lock is a
// no-op. If the record changes under the delete it is read again, and a
// record now owned by someone else yields ErrNotOwner.
func (m *Manager) Release(ctx context.Context, key target.Key, runID string) error {
	storeKey := StoreKey(key)
	for attempt := 0; attempt < maxAcquireAttempts; attempt++ {
		existing, err := m.store.Get(ctx, storeKey)
		if errors.Is(err, kv.ErrNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read lock %s: %w", storeKey, err)
		}
		var rec Record
		if err := json.Unmarshal(existing, &rec); err != nil || !m.ownedBy(rec, runID) {
			return fmt.Errorf("release %s: %w", key, ErrNotOwner)
		}
		deleted, err := m.store.CompareAndDelete(ctx, storeKey, existing)
		if err != nil {
			return fmt.Errorf("release lock %s: %w", storeKey, err)
		}
		if deleted {
			m.logger.Debug(ctx, "lock released", zap.String("key", key.String()))
			return nil
		}
	}
	return fmt.Errorf("release %s: %w", key, ErrNotOwner)
}

// Inspect reads the current record for key without modifying it. found is
// false when no lock exists.
func (m *Manager) Inspect(ctx context.Context, key target.Key) (rec Record, live bool, found bool, err error) {
	data, err := m.store.Get(ctx, StoreKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return Record{}, false, false, nil
	}
	if err != nil {
		return Record{}, false, false, err
	}
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, true, nil
	}
	return rec, m.isLive(rec), true, nil
}

// ReclaimStale deletes the lock for key if its holder is gone. It reports
// whether a record was removed.
func (m *Manager) ReclaimStale(ctx context.Context, key target.Key) (bool, error) {
	storeKey := StoreKey(key)
	data, err := m.store.Get(ctx, storeKey)
	if errors.Is(err, kv.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var rec Record
	if json.Unmarshal(data, &rec) == nil && m.isLive(rec) {
		return false, nil
	}
	ok, err := m.store.CompareAndDelete(ctx, storeKey, data)
	if err != nil {
		return false, err
	}
	if ok {
		m.logger.Info(ctx, "stale lock removed",
			zap.String("key", key.String()), zap.String("holder", rec.Holder))
		if m.reclaims != nil {
			m.reclaims.Add(ctx, 1, metric.WithAttributes(attribute.String("key", key.String())))
		}
	}
	return ok, nil
}
