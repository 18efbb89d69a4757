package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// ChangeChannel is the Postgres NOTIFY channel written by the environments
// trigger.
const ChangeChannel = "environment_changes"

const defaultFetchTimeout = 5 * time.Second

type snapshotReader interface {
	GetEnvironment(ctx context.Context, id string) (*environment.Environment, error)
	ListEnvironmentsByStore(ctx context.Context, storeID string) ([]*environment.Environment, error)
}

type changeNotice struct {
	ID      string `json:"id"`
	StoreID string `json:"store_id"`
}

// watcher refetches a snapshot whenever it is signalled. Signals coalesce,
// and the single goroutine per watcher keeps snapshots in order.
type watcher struct {
	refresh chan struct{}
	failed  chan error
	done    chan struct{}
	once    sync.Once
}

func newWatcher() *watcher {
	return &watcher{
		refresh: make(chan struct{}, 1),
		failed:  make(chan error, 1),
		done:    make(chan struct{}),
	}
}

func (w *watcher) fail(err error) {
	select {
	case w.failed <- err:
	default:
	}
}

func (w *watcher) signal() {
	select {
	case w.refresh <- struct{}{}:
	default:
	}
}

func (w *watcher) stop() {
	w.once.Do(func() { close(w.done) })
}

func (w *watcher) stopped() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

// Listener turns Postgres LISTEN/NOTIFY into full-snapshot pushes.
type Listener struct {
	pool         *pgxpool.Pool
	reader       snapshotReader
	logger       *slog.Logger
	fetchTimeout time.Duration

	mu     sync.Mutex
	envs   map[string]map[*watcher]struct{}
	stores map[string]map[*watcher]struct{}
	// lost is set while the LISTEN connection is down after a failure.
	lost error
}

// NewListener builds a Listener that reads snapshots through reader.
func NewListener(pool *pgxpool.Pool, reader snapshotReader, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	return &Listener{
		pool:         pool,
		reader:       reader,
		logger:       logger,
		fetchTimeout: defaultFetchTimeout,
		envs:         make(map[string]map[*watcher]struct{}),
		stores:       make(map[string]map[*watcher]struct{}),
	}
}

// Run listens for change notifications until ctx is cancelled. A lost
// connection is pushed to every registered watcher as an error and
// returned; watches opened before Run succeeds again fail immediately.
func (l *Listener) Run(ctx context.Context) error {
	err := l.listen(ctx)
	if err != nil && ctx.Err() == nil {
		l.failAll(err)
		return err
	}
	return nil
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listener connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+ChangeChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}
	l.mu.Lock()
	l.lost = nil
	l.mu.Unlock()
	l.logger.Info("listening for environment changes", "channel", ChangeChannel)

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("failed waiting for notification: %w", err)
		}
		l.dispatch(notification.Payload)
	}
}

// failAll marks the feed as lost and reports err to every watcher. Watchers
// are not resumed; observers must attach again.
func (l *Listener) failAll(err error) {
	l.mu.Lock()
	l.lost = err
	var targets []*watcher
	for _, set := range l.envs {
		for w := range set {
			targets = append(targets, w)
		}
	}
	for _, set := range l.stores {
		for w := range set {
			targets = append(targets, w)
		}
	}
	l.mu.Unlock()

	l.logger.Error("environment change feed lost", "watchers", len(targets), "error", err)
	for _, w := range targets {
		w.fail(err)
	}
}

func (l *Listener) dispatch(payload string) {
	var notice changeNotice
	if err := json.Unmarshal([]byte(payload), &notice); err != nil {
		l.logger.Warn("ignoring malformed change notification", "payload", payload, "error", err)
		return
	}

	l.mu.Lock()
	targets := make([]*watcher, 0)
	for w := range l.envs[notice.ID] {
		targets = append(targets, w)
	}
	for w := range l.stores[notice.StoreID] {
		targets = append(targets, w)
	}
	l.mu.Unlock()

	for _, w := range targets {
		w.signal()
	}
}

// WatchEnvironment pushes the environment's snapshot now and after every
// change. A deleted or unknown environment is pushed as nil.
func (l *Listener) WatchEnvironment(id string, onChange func(*environment.Environment, error)) (func(), error) {
	w := newWatcher()
	if err := l.register(l.envs, id, w); err != nil {
		return nil, err
	}
	go l.loop(w, func(err error) {
		if !w.stopped() {
			onChange(nil, err)
		}
	}, func(ctx context.Context) {
		env, err := l.reader.GetEnvironment(ctx, id)
		if errors.Is(err, ErrNotFound) {
			env, err = nil, nil
		}
		if !w.stopped() {
			onChange(env, err)
		}
	})
	w.signal()
	return func() { l.unregister(l.envs, id, w) }, nil
}

// WatchStore pushes the store's environment list now and after every
// change to one of its environments.
func (l *Listener) WatchStore(storeID string, onChange func([]*environment.Environment, error)) (func(), error) {
	w := newWatcher()
	if err := l.register(l.stores, storeID, w); err != nil {
		return nil, err
	}
	go l.loop(w, func(err error) {
		if !w.stopped() {
			onChange(nil, err)
		}
	}, func(ctx context.Context) {
		envs, err := l.reader.ListEnvironmentsByStore(ctx, storeID)
		if !w.stopped() {
			onChange(envs, err)
		}
	})
	w.signal()
	return func() { l.unregister(l.stores, storeID, w) }, nil
}

func (l *Listener) loop(w *watcher, fail func(error), fetch func(ctx context.Context)) {
	for {
		select {
		case <-w.done:
			return
		case err := <-w.failed:
			fail(err)
		case <-w.refresh:
			ctx, cancel := context.WithTimeout(context.Background(), l.fetchTimeout)
			fetch(ctx)
			cancel()
		}
	}
}

func (l *Listener) register(index map[string]map[*watcher]struct{}, key string, w *watcher) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lost != nil {
		return fmt.Errorf("environment change feed unavailable: %w", l.lost)
	}
	set, ok := index[key]
	if !ok {
		set = make(map[*watcher]struct{})
		index[key] = set
	}
	set[w] = struct{}{}
	return nil
}

func (l *Listener) unregister(index map[string]map[*watcher]struct{}, key string, w *watcher) {
	l.mu.Lock()
	if set, ok := index[key]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(index, key)
		}
	}
	l.mu.Unlock()
	w.stop()
}
