package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

type stubFeed struct {
	env  *environment.Environment
	list []*environment.Environment
}

func (f *stubFeed) WatchEnvironment(_ string, onChange func(*environment.Environment, error)) (func(), error) {
	onChange(f.env, nil)
	return func() {}, nil
}

func (f *stubFeed) WatchStore(_ string, onChange func([]*environment.Environment, error)) (func(), error) {
	onChange(f.list, nil)
	return func() {}, nil
}

func TestEnvironmentHubReportsNotFound(t *testing.T) {
	hub := NewEnvironmentHub(&stubFeed{}, nil)

	var last State[*environment.Environment]
	detach := hub.Attach("missing", func(s State[*environment.Environment]) { last = s })
	defer detach()

	assert.False(t, last.Loading)
	assert.ErrorIs(t, last.Err, ErrNotFound)
	_, ok := CachedEnvironment(hub, "missing")
	assert.False(t, ok)
}

func TestCachedEnvironmentReturnsCopy(t *testing.T) {
	hub := NewEnvironmentHub(&stubFeed{env: &environment.Environment{ID: "env-1", Status: environment.StatusBacklog}}, nil)

	_, ok := CachedEnvironment(hub, "env-1")
	assert.False(t, ok, "nothing cached without observers")

	detach := hub.Attach("env-1", nil)
	defer detach()

	env, ok := CachedEnvironment(hub, "env-1")
	require.True(t, ok)
	env.Status = environment.StatusDone

	again, ok := CachedEnvironment(hub, "env-1")
	require.True(t, ok)
	assert.Equal(t, environment.StatusBacklog, again.Status)
}

func TestStoreHubSortsNewestFirst(t *testing.T) {
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	feed := &stubFeed{list: []*environment.Environment{
		{ID: "old", CreatedAt: base},
		{ID: "new", CreatedAt: base.Add(2 * time.Hour)},
		{ID: "mid", CreatedAt: base.Add(time.Hour)},
	}}
	hub := NewStoreHub(feed, nil)

	var got []*environment.Environment
	detach := hub.Attach("store-1", func(s State[[]*environment.Environment]) { got = s.Value })
	defer detach()

	require.Len(t, got, 3)
	assert.Equal(t, "new", got[0].ID)
	assert.Equal(t, "mid", got[1].ID)
	assert.Equal(t, "old", got[2].ID)
	assert.Equal(t, "old", feed.list[0].ID, "backend slice is not reordered")
}

type pushFeed struct {
	stubFeed
	push func(*environment.Environment, error)
}

func (f *pushFeed) WatchEnvironment(_ string, onChange func(*environment.Environment, error)) (func(), error) {
	f.push = onChange
	onChange(f.env, nil)
	return func() {}, nil
}

func TestFeedErrorInvalidatesCachedEnvironment(t *testing.T) {
	feed := &pushFeed{stubFeed: stubFeed{env: &environment.Environment{ID: "env-1", Status: environment.StatusBacklog}}}
	hub := NewEnvironmentHub(feed, nil)

	var last State[*environment.Environment]
	detach := hub.Attach("env-1", func(s State[*environment.Environment]) { last = s })
	defer detach()

	_, ok := CachedEnvironment(hub, "env-1")
	require.True(t, ok)

	lost := errors.New("listener connection lost")
	feed.push(nil, lost)

	assert.ErrorIs(t, last.Err, lost)
	assert.NotErrorIs(t, last.Err, ErrNotFound)
	_, ok = CachedEnvironment(hub, "env-1")
	assert.False(t, ok, "errored state is not served from the cache")
}
