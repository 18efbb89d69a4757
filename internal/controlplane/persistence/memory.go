package persistence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

// MemoryStore is an in-process store with the same contract as Store. It
// also implements the realtime feed: watchers are called synchronously, in
// write order, after each mutation. Watch callbacks may read from the store
// but must not write to it.
type MemoryStore struct {
	// notify is held across a mutation and its fan-out so watchers observe
	// snapshots in commit order. Lock order is notify before mu.
	notify sync.Mutex
	mu     sync.Mutex

	envs map[string]*environment.Environment
	bugs map[string]map[string]environment.Bug
	now  func() time.Time

	nextWatch     uint64
	envWatchers   map[string]map[uint64]func(*environment.Environment, error)
	storeWatchers map[string]map[uint64]func([]*environment.Environment, error)
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		envs:          make(map[string]*environment.Environment),
		bugs:          make(map[string]map[string]environment.Bug),
		now:           time.Now,
		envWatchers:   make(map[string]map[uint64]func(*environment.Environment, error)),
		storeWatchers: make(map[string]map[uint64]func([]*environment.Environment, error)),
	}
}

func (s *MemoryStore) nowUTC() time.Time {
	return s.now().UTC()
}

func (s *MemoryStore) CreateEnvironment(_ context.Context, in NewEnvironmentInput) (*environment.Environment, error) {
	if strings.TrimSpace(in.Identifier) == "" {
		return nil, errors.New("environment identifier required")
	}
	if strings.TrimSpace(in.StoreID) == "" {
		return nil, errors.New("store id required")
	}

	now := s.nowUTC()
	env := &environment.Environment{
		ID:              uuid.New().String(),
		Identifier:      strings.TrimSpace(in.Identifier),
		StoreID:         strings.TrimSpace(in.StoreID),
		SuiteID:         in.SuiteID,
		SuiteName:       in.SuiteName,
		URLs:            append([]string{}, in.URLs...),
		JiraTask:        in.JiraTask,
		EnvironmentType: in.EnvironmentType,
		TestType:        in.TestType,
		Moment:          in.Moment,
		Release:         in.Release,
		Status:          environment.StatusBacklog,
		PresentUserIDs:  []string{},
		Participants:    []string{},
		Scenarios:       make(map[string]environment.Scenario, len(in.Scenarios)),
		TotalScenarios:  in.TotalScenarios,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	for id, sc := range in.Scenarios {
		env.Scenarios[id] = sc
	}

	s.notify.Lock()
	defer s.notify.Unlock()
	s.mu.Lock()
	s.envs[env.ID] = env
	out := env.Clone()
	s.mu.Unlock()

	s.publish(env.ID, env.StoreID)
	return out, nil
}

func (s *MemoryStore) GetEnvironment(_ context.Context, id string) (*environment.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	env, ok := s.envs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return env.Clone(), nil
}

func (s *MemoryStore) ListEnvironmentsByStore(_ context.Context, storeID string) ([]*environment.Environment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listLocked(strings.TrimSpace(storeID)), nil
}

func (s *MemoryStore) listLocked(storeID string) []*environment.Environment {
	envs := make([]*environment.Environment, 0)
	for _, env := range s.envs {
		if env.StoreID == storeID {
			envs = append(envs, env.Clone())
		}
	}
	sort.Slice(envs, func(i, j int) bool {
		return envs[i].CreatedAt.After(envs[j].CreatedAt)
	})
	return envs
}

func (s *MemoryStore) PatchEnvironment(_ context.Context, id string, patch environment.Patch) error {
	if patch.Status != nil && !patch.Status.Valid() {
		return fmt.Errorf("%w: %q", environment.ErrInvalidStatus, *patch.Status)
	}
	if patch.IsEmpty() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.envs[id]; !ok {
			return ErrNotFound
		}
		return nil
	}
	return s.mutate(id, func(env *environment.Environment) (*environment.Environment, error) {
		return patch.Apply(env), nil
	})
}

func (s *MemoryStore) UpdateScenarioStatus(_ context.Context, envID, scenarioID string, platform environment.Platform, status environment.ScenarioStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid scenario status %q", status)
	}
	return s.mutate(envID, func(env *environment.Environment) (*environment.Environment, error) {
		sc, ok := env.Scenarios[scenarioID]
		if !ok {
			return nil, ErrScenarioNotFound
		}
		switch platform {
		case environment.PlatformMobile:
			sc.StatusMobile = status
		case environment.PlatformDesktop:
			sc.StatusDesktop = status
		default:
			sc.Status = status
		}
		out := env.Clone()
		out.Scenarios[scenarioID] = sc
		return out, nil
	})
}

func (s *MemoryStore) UpdateScenarioFields(_ context.Context, envID, scenarioID string, fields ScenarioFields) error {
	return s.mutate(envID, func(env *environment.Environment) (*environment.Environment, error) {
		sc, ok := env.Scenarios[scenarioID]
		if !ok {
			return nil, ErrScenarioNotFound
		}
		out := env.Clone()
		out.Scenarios[scenarioID] = applyScenarioFields(sc, fields)
		return out, nil
	})
}

func (s *MemoryStore) JoinEnvironment(_ context.Context, envID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id required")
	}
	return s.mutate(envID, func(env *environment.Environment) (*environment.Environment, error) {
		out := env.Clone()
		out.PresentUserIDs = append(without(out.PresentUserIDs, userID), userID)
		return out, nil
	})
}

func (s *MemoryStore) LeaveEnvironment(_ context.Context, envID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("user id required")
	}
	return s.mutate(envID, func(env *environment.Environment) (*environment.Environment, error) {
		out := env.Clone()
		out.PresentUserIDs = without(out.PresentUserIDs, userID)
		return out, nil
	})
}

func (s *MemoryStore) CreateBug(_ context.Context, in NewBugInput) (environment.Bug, error) {
	if strings.TrimSpace(in.Title) == "" {
		return environment.Bug{}, errors.New("bug title required")
	}
	var created environment.Bug
	err := s.mutate(in.EnvironmentID, func(env *environment.Environment) (*environment.Environment, error) {
		now := s.nowUTC()
		created = environment.Bug{
			ID:            uuid.New().String(),
			EnvironmentID: env.ID,
			ScenarioID:    in.ScenarioID,
			Title:         strings.TrimSpace(in.Title),
			Description:   in.Description,
			Status:        environment.BugOpen,
			Severity:      in.Severity,
			Priority:      in.Priority,
			Steps:         in.Steps,
			Expected:      in.Expected,
			Actual:        in.Actual,
			ReportedBy:    in.ReportedBy,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if s.bugs[env.ID] == nil {
			s.bugs[env.ID] = make(map[string]environment.Bug)
		}
		s.bugs[env.ID][created.ID] = created
		out := env.Clone()
		out.BugsCount++
		return out, nil
	})
	if err != nil {
		return environment.Bug{}, err
	}
	return created, nil
}

func (s *MemoryStore) DeleteBug(_ context.Context, envID, bugID string) error {
	return s.mutate(envID, func(env *environment.Environment) (*environment.Environment, error) {
		if _, ok := s.bugs[envID][bugID]; !ok {
			return nil, ErrNotFound
		}
		delete(s.bugs[envID], bugID)
		out := env.Clone()
		if out.BugsCount > 0 {
			out.BugsCount--
		}
		return out, nil
	})
}

func (s *MemoryStore) UpdateBugStatus(_ context.Context, envID, bugID string, status environment.BugStatus) (environment.Bug, error) {
	if !status.Valid() {
		return environment.Bug{}, fmt.Errorf("invalid bug status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	bug, ok := s.bugs[envID][bugID]
	if !ok {
		return environment.Bug{}, ErrNotFound
	}
	bug.Status = status
	bug.UpdatedAt = s.nowUTC()
	s.bugs[envID][bugID] = bug
	return bug, nil
}

func (s *MemoryStore) ListBugs(_ context.Context, envID string) ([]environment.Bug, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.envs[envID]; !ok {
		return nil, ErrNotFound
	}
	bugs := make([]environment.Bug, 0, len(s.bugs[envID]))
	for _, bug := range s.bugs[envID] {
		bugs = append(bugs, bug)
	}
	sort.Slice(bugs, func(i, j int) bool {
		return bugs[i].CreatedAt.After(bugs[j].CreatedAt)
	})
	return bugs, nil
}

// mutate replaces the environment with the result of fn and notifies
// watchers. fn runs with mu held and must not call back into the store.
func (s *MemoryStore) mutate(id string, fn func(*environment.Environment) (*environment.Environment, error)) error {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	env, ok := s.envs[id]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	next, err := fn(env)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	next.UpdatedAt = s.nowUTC()
	s.envs[id] = next
	storeID := next.StoreID
	s.mu.Unlock()

	s.publish(id, storeID)
	return nil
}

// publish must be called with notify held and mu released.
func (s *MemoryStore) publish(envID, storeID string) {
	s.mu.Lock()
	var snapshot *environment.Environment
	if env, ok := s.envs[envID]; ok {
		snapshot = env
	}
	envFns := make([]func(*environment.Environment, error), 0, len(s.envWatchers[envID]))
	for _, fn := range s.envWatchers[envID] {
		envFns = append(envFns, fn)
	}
	list := s.listLocked(storeID)
	storeFns := make([]func([]*environment.Environment, error), 0, len(s.storeWatchers[storeID]))
	for _, fn := range s.storeWatchers[storeID] {
		storeFns = append(storeFns, fn)
	}
	s.mu.Unlock()

	for _, fn := range envFns {
		fn(snapshot.Clone(), nil)
	}
	for _, fn := range storeFns {
		fn(list, nil)
	}
}

// WatchEnvironment pushes the current snapshot immediately and after every
// change. An unknown environment is pushed as nil.
func (s *MemoryStore) WatchEnvironment(id string, onChange func(*environment.Environment, error)) (func(), error) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	s.nextWatch++
	watchID := s.nextWatch
	if s.envWatchers[id] == nil {
		s.envWatchers[id] = make(map[uint64]func(*environment.Environment, error))
	}
	s.envWatchers[id][watchID] = onChange
	var snapshot *environment.Environment
	if env, ok := s.envs[id]; ok {
		snapshot = env.Clone()
	}
	s.mu.Unlock()

	onChange(snapshot, nil)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.envWatchers[id], watchID)
		if len(s.envWatchers[id]) == 0 {
			delete(s.envWatchers, id)
		}
	}, nil
}

// WatchStore pushes the store's environments immediately and after every
// change to one of them.
func (s *MemoryStore) WatchStore(storeID string, onChange func([]*environment.Environment, error)) (func(), error) {
	s.notify.Lock()
	defer s.notify.Unlock()

	s.mu.Lock()
	s.nextWatch++
	watchID := s.nextWatch
	if s.storeWatchers[storeID] == nil {
		s.storeWatchers[storeID] = make(map[uint64]func([]*environment.Environment, error))
	}
	s.storeWatchers[storeID][watchID] = onChange
	list := s.listLocked(storeID)
	s.mu.Unlock()

	onChange(list, nil)
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.storeWatchers[storeID], watchID)
		if len(s.storeWatchers[storeID]) == 0 {
			delete(s.storeWatchers, storeID)
		}
	}, nil
}

// WatcherCount returns the number of active backend watches.
func (s *MemoryStore) WatcherCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, set := range s.envWatchers {
		n += len(set)
	}
	for _, set := range s.storeWatchers {
		n += len(set)
	}
	return n
}

func without(ids []string, id string) []string {
	out := make([]string, 0, len(ids))
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
