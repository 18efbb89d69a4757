package cli

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketship-ai/qatrack/internal/environment"
)

func TestRunJQ(t *testing.T) {
	doc := []byte(`{"status":"done","scenarios":{"a":{"statusMobile":"done"},"b":{"statusMobile":"blocked"}}}`)

	var out bytes.Buffer
	require.NoError(t, runJQ(&out, `.scenarios | to_entries[] | select(.value.statusMobile == "blocked") | .key`, doc))
	assert.Equal(t, "\"b\"\n", out.String())

	assert.Error(t, runJQ(&out, `.[`, doc))
	assert.Error(t, runJQ(&out, `error("boom")`, doc))
	assert.Error(t, runJQ(&out, `.`, []byte("not json")))
}

func TestDisplayEnvironmentsTable(t *testing.T) {
	color.NoColor = true
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	start := now.Add(-90 * time.Second)

	envs := []*environment.Environment{
		{
			ID:           "0123456789abcdef",
			Identifier:   "checkout",
			Status:       environment.StatusInProgress,
			TimeTracking: environment.TimeTracking{Start: &start, TotalMs: 1000},
			Scenarios:    map[string]environment.Scenario{"a": {Status: environment.ScenarioDone}},
			BugsCount:    3,
		},
	}

	var out bytes.Buffer
	require.NoError(t, displayEnvironmentsTable(&out, envs, now))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[1], "0123456789ab")
	assert.Contains(t, lines[1], "2/2")
	assert.Contains(t, lines[1], "00:01:31")

	out.Reset()
	require.NoError(t, displayEnvironmentsTable(&out, nil, now))
	assert.Equal(t, "No environments found.\n", out.String())
}

func TestFollowEvents(t *testing.T) {
	color.NoColor = true
	stream := strings.Join([]string{
		"event: loading",
		`data: {"loading":true}`,
		"",
		": ping",
		"",
		"event: snapshot",
		`data: {"id":"e1","status":"in_progress","bugsCount":2,"presentUserIds":["ana"],"scenarios":{"a":{"status":"done"}}}`,
		"",
		"event: not_found",
		`data: {"error":"resource not found"}`,
		"",
	}, "\n")

	var out bytes.Buffer
	require.NoError(t, followEvents(&out, strings.NewReader(stream)))
	text := out.String()
	assert.Contains(t, text, "loading...")
	assert.Contains(t, text, "in_progress")
	assert.Contains(t, text, "2/2 concluded")
	assert.Contains(t, text, "present=ana")
	assert.Contains(t, text, "environment not found")
}
