package realtime

import (
	"log/slog"
	"sort"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// Feed is the backend change stream. Each watch pushes a full snapshot on
// every change until cancel is called. WatchEnvironment reports a missing
// environment as a nil snapshot with a nil error.
type Feed interface {
	WatchEnvironment(id string, onChange func(*environment.Environment, error)) (cancel func(), err error)
	WatchStore(storeID string, onChange func([]*environment.Environment, error)) (cancel func(), err error)
}

// EnvironmentHub multiplexes single-environment subscriptions keyed by
// environment id.
type EnvironmentHub = Multiplexer[*environment.Environment]

// StoreHub multiplexes per-store environment lists keyed by store id.
type StoreHub = Multiplexer[[]*environment.Environment]

// NewEnvironmentHub builds the hub for single environments. An absent
// environment is cached as a nil value with ErrNotFound.
func NewEnvironmentHub(feed Feed, logger *slog.Logger) *EnvironmentHub {
	return New(func(key string, onChange func(*environment.Environment, error)) (func(), error) {
		return feed.WatchEnvironment(key, func(env *environment.Environment, err error) {
			if err == nil && env == nil {
				err = ErrNotFound
			}
			onChange(env, err)
		})
	}, logger)
}

// NewStoreHub builds the hub for store environment lists. Lists are cached
// newest first regardless of backend order.
func NewStoreHub(feed Feed, logger *slog.Logger) *StoreHub {
	return New(func(key string, onChange func([]*environment.Environment, error)) (func(), error) {
		return feed.WatchStore(key, func(envs []*environment.Environment, err error) {
			onChange(sortNewestFirst(envs), err)
		})
	}, logger)
}

// CachedEnvironment returns the live snapshot for id when the hub holds a
// loaded, found value.
func CachedEnvironment(hub *EnvironmentHub, id string) (*environment.Environment, bool) {
	state, ok := hub.State(id)
	if !ok || state.Loading || state.Err != nil || state.Value == nil {
		return nil, false
	}
	return state.Value.Clone(), true
}

func sortNewestFirst(envs []*environment.Environment) []*environment.Environment {
	if envs == nil {
		return nil
	}
	out := append([]*environment.Environment(nil), envs...)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
