package cron

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestService(t *testing.T, onJob func(Job) error) (*Service, *clock) {
	t.Helper()
	clk := &clock{t: base}
	s := NewService(filepath.Join(t.TempDir(), "cron.json"), onJob, zerolog.Nop())
	s.now = clk.now
	return s, clk
}

func payload() Payload {
	return Payload{Provider: "dall-e-3", Prompt: "a sunrise over the sea", Channel: "webhook", To: "ops"}
}

func TestParseSchedule(t *testing.T) {
	s, err := ParseSchedule("every 30m", base)
	require.NoError(t, err)
	assert.Equal(t, Schedule{Kind: KindEvery, EveryMs: 30 * 60 * 1000}, s)

	s, err = ParseSchedule("in 2h", base)
	require.NoError(t, err)
	assert.Equal(t, Schedule{Kind: KindAt, AtMs: base.Add(2 * time.Hour).UnixMilli()}, s)

	s, err = ParseSchedule("at 2025-03-15T08:00:00Z", base)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 15, 8, 0, 0, 0, time.UTC).UnixMilli(), s.AtMs)

	s, err = ParseSchedule("0 9 * * 1-5", base)
	require.NoError(t, err)
	assert.Equal(t, Schedule{Kind: KindCron, Expr: "0 9 * * 1-5"}, s)

	for _, bad := range []string{"every soon", "in -1h", "at tomorrow", "61 * * * *"} {
		_, err := ParseSchedule(bad, base)
		assert.Error(t, err, bad)
	}
}

func TestNextRun(t *testing.T) {
	now := base.UnixMilli()

	next, err := NextRun(Schedule{Kind: KindCron, Expr: "30 9 * * *", Tz: "UTC"}, now)
	require.NoError(t, err)
	assert.Equal(t, base.Add(30*time.Minute).UnixMilli(), next)

	next, err = NextRun(Schedule{Kind: KindCron, Expr: "0 18 * * *", Tz: "Asia/Shanghai"}, now)
	require.NoError(t, err)
	// 18:00 in Shanghai is 10:00 UTC.
	assert.Equal(t, base.Add(time.Hour).UnixMilli(), next)

	next, err = NextRun(Schedule{Kind: KindAt, AtMs: now - 1}, now)
	require.NoError(t, err)
	assert.Zero(t, next)

	_, err = NextRun(Schedule{Kind: KindEvery}, now)
	assert.Error(t, err)
	_, err = NextRun(Schedule{Kind: "weekly"}, now)
	assert.Error(t, err)
}

func TestAddJob_Validation(t *testing.T) {
	s, _ := newTestService(t, nil)
	every := Schedule{Kind: KindEvery, EveryMs: 1000}

	_, err := s.AddJob("x", every, Payload{Provider: "dall-e-3"}, false)
	assert.Error(t, err, "empty prompt")

	_, err = s.AddJob("x", every, Payload{Prompt: "p"}, false)
	assert.Error(t, err, "empty provider")

	_, err = s.AddJob("x", every, Payload{Provider: "dall-e-3", Prompt: "p", Channel: "webhook"}, false)
	assert.Error(t, err, "channel without target")

	_, err = s.AddJob("x", Schedule{Kind: KindAt, AtMs: base.Add(-time.Minute).UnixMilli()}, payload(), false)
	assert.Error(t, err, "past one-shot")
}

func TestAddJob_PersistsAndRemoves(t *testing.T) {
	s, _ := newTestService(t, nil)
	job, err := s.AddJob("morning", Schedule{Kind: KindEvery, EveryMs: 60000}, payload(), false)
	require.NoError(t, err)
	assert.Len(t, job.ID, 8)
	assert.Equal(t, base.UnixMilli()+60000, job.State.NextRunAtMs)

	data, err := os.ReadFile(s.StorePath)
	require.NoError(t, err)
	var disk Store
	require.NoError(t, json.Unmarshal(data, &disk))
	require.Len(t, disk.Jobs, 1)
	assert.Equal(t, "a sunrise over the sea", disk.Jobs[0].Payload.Prompt)

	// A fresh service sees the stored job.
	other := NewService(s.StorePath, nil, zerolog.Nop())
	jobs, err := other.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)

	removed, err := other.RemoveJob(job.ID)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = other.RemoveJob(job.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestProcessJobs(t *testing.T) {
	var ran []string
	s, clk := newTestService(t, func(j Job) error {
		ran = append(ran, j.Name)
		if j.Name == "failing" {
			return errors.New("provider down")
		}
		return nil
	})

	every, err := s.AddJob("every", Schedule{Kind: KindEvery, EveryMs: 60000}, payload(), false)
	require.NoError(t, err)
	once, err := s.AddJob("once", Schedule{Kind: KindAt, AtMs: base.Add(30 * time.Second).UnixMilli()}, payload(), false)
	require.NoError(t, err)
	_, err = s.AddJob("oneshot-delete", Schedule{Kind: KindAt, AtMs: base.Add(30 * time.Second).UnixMilli()}, payload(), true)
	require.NoError(t, err)
	failing, err := s.AddJob("failing", Schedule{Kind: KindEvery, EveryMs: 60000}, payload(), false)
	require.NoError(t, err)
	later, err := s.AddJob("later", Schedule{Kind: KindEvery, EveryMs: 3600000}, payload(), false)
	require.NoError(t, err)

	clk.t = base.Add(61 * time.Second)
	s.processJobs()
	assert.ElementsMatch(t, []string{"every", "once", "oneshot-delete", "failing"}, ran)

	jobs, err := s.ListJobs()
	require.NoError(t, err)
	byID := map[string]Job{}
	for _, j := range jobs {
		byID[j.ID] = j
	}
	require.Len(t, byID, 4, "delete-after-run job removed")

	assert.Equal(t, "ok", byID[every.ID].State.LastStatus)
	assert.Equal(t, clk.t.UnixMilli()+60000, byID[every.ID].State.NextRunAtMs)

	assert.False(t, byID[once.ID].Enabled)
	assert.Zero(t, byID[once.ID].State.NextRunAtMs)

	assert.Equal(t, "error", byID[failing.ID].State.LastStatus)
	assert.Equal(t, "provider down", byID[failing.ID].State.LastError)

	assert.Empty(t, byID[later.ID].State.LastStatus)

	// Disabled one-shot sorts last.
	assert.Equal(t, once.ID, jobs[len(jobs)-1].ID)
}

func TestProcessJobs_RecoversPanic(t *testing.T) {
	s, clk := newTestService(t, func(Job) error { panic("boom") })
	job, err := s.AddJob("p", Schedule{Kind: KindEvery, EveryMs: 1000}, payload(), false)
	require.NoError(t, err)

	clk.t = base.Add(2 * time.Second)
	require.NotPanics(t, s.processJobs)

	jobs, _ := s.ListJobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, "error", jobs[0].State.LastStatus)
	assert.Contains(t, jobs[0].State.LastError, "boom")
}

func TestReload_PicksUpExternalJobs(t *testing.T) {
	s, _ := newTestService(t, nil)
	require.NoError(t, s.loadStore())

	cli := NewService(s.StorePath, nil, zerolog.Nop())
	cli.now = s.now
	added, err := cli.AddJob("from-cli", Schedule{Kind: KindEvery, EveryMs: 1000}, payload(), false)
	require.NoError(t, err)

	s.reload()
	jobs, err := s.ListJobs()
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, added.ID, jobs[0].ID)
}
