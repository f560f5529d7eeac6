package cron

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// maxSleep caps the wait between checks so jobs added by another process are picked up.
const maxSleep = 10 * time.Second

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Service runs scheduled generation jobs from a JSON store.
type Service struct {
	StorePath string
	OnJob     func(Job) error

	store    *Store
	stopChan chan struct{}
	stopOnce sync.Once
	mu       sync.RWMutex
	now      func() time.Time
	log      zerolog.Logger
}

// NewService creates a new cron service.
func NewService(storePath string, onJob func(Job) error, logger zerolog.Logger) *Service {
	return &Service{
		StorePath: storePath,
		OnJob:     onJob,
		stopChan:  make(chan struct{}),
		now:       time.Now,
		log:       logger.With().Str("component", "cron").Logger(),
	}
}

func (s *Service) nowMs() int64 {
	return s.now().UnixMilli()
}

// NextRun returns the next run time in ms after nowMs, or 0 when the schedule never fires again.
func NextRun(schedule Schedule, nowMs int64) (int64, error) {
	switch schedule.Kind {
	case KindAt:
		if schedule.AtMs <= nowMs {
			return 0, nil
		}
		return schedule.AtMs, nil
	case KindEvery:
		if schedule.EveryMs <= 0 {
			return 0, fmt.Errorf("every schedule needs a positive interval")
		}
		return nowMs + schedule.EveryMs, nil
	case KindCron:
		expr := schedule.Expr
		if schedule.Tz != "" && !strings.HasPrefix(expr, "CRON_TZ=") && !strings.HasPrefix(expr, "TZ=") {
			expr = "CRON_TZ=" + schedule.Tz + " " + expr
		}
		sched, err := parser.Parse(expr)
		if err != nil {
			return 0, fmt.Errorf("parse cron expr %q: %w", schedule.Expr, err)
		}
		return sched.Next(time.UnixMilli(nowMs)).UnixMilli(), nil
	}
	return 0, fmt.Errorf("unknown schedule kind %q", schedule.Kind)
}

// ParseSchedule reads the CLI schedule forms: "every 30m", "in 2h", "at 2025-03-14T09:00:00+08:00",
// or a five-field cron expression such as "0 9 * * 1-5".
func ParseSchedule(spec string, now time.Time) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	head, rest, _ := strings.Cut(spec, " ")
	rest = strings.TrimSpace(rest)

	switch strings.ToLower(head) {
	case "every":
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return Schedule{}, fmt.Errorf("invalid interval %q", rest)
		}
		return Schedule{Kind: KindEvery, EveryMs: d.Milliseconds()}, nil
	case "in":
		d, err := time.ParseDuration(rest)
		if err != nil || d <= 0 {
			return Schedule{}, fmt.Errorf("invalid delay %q", rest)
		}
		return Schedule{Kind: KindAt, AtMs: now.Add(d).UnixMilli()}, nil
	case "at":
		t, err := time.Parse(time.RFC3339, rest)
		if err != nil {
			return Schedule{}, fmt.Errorf("invalid time %q, want RFC3339", rest)
		}
		return Schedule{Kind: KindAt, AtMs: t.UnixMilli()}, nil
	}

	sched := Schedule{Kind: KindCron, Expr: spec}
	if _, err := NextRun(sched, now.UnixMilli()); err != nil {
		return Schedule{}, err
	}
	return sched, nil
}

func (s *Service) loadStore() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.store != nil {
		return nil
	}
	s.store = &Store{Version: 1, Jobs: []Job{}}

	data, err := os.ReadFile(s.StorePath)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load cron store: %w", err)
	}
	if err := json.Unmarshal(data, s.store); err != nil {
		return fmt.Errorf("parse cron store %s: %w", s.StorePath, err)
	}
	return nil
}

func (s *Service) saveStoreLocked() error {
	if s.store == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.StorePath), 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s.store, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.StorePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.StorePath)
}

func (s *Service) saveStore() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.saveStoreLocked(); err != nil {
		s.log.Error().Err(err).Msg("Failed to save cron store")
	}
}

// Start loads the store and runs due jobs in the background until Stop.
func (s *Service) Start() error {
	if err := s.loadStore(); err != nil {
		return err
	}
	s.recomputeNextRuns()
	s.saveStore()
	go s.loop()

	s.mu.RLock()
	n := len(s.store.Jobs)
	s.mu.RUnlock()
	s.log.Info().Int("jobs", n).Msg("Cron service started")
	return nil
}

// Stop stops the cron service.
func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
}

func (s *Service) recomputeNextRuns() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.nowMs()
	for i := range s.store.Jobs {
		job := &s.store.Jobs[i]
		if !job.Enabled {
			continue
		}
		// Keep a pending one-shot or an overdue run; it fires on the first tick.
		if job.State.NextRunAtMs > 0 && (job.Schedule.Kind == KindAt || job.State.NextRunAtMs <= now) {
			continue
		}
		next, err := NextRun(job.Schedule, now)
		if err != nil {
			s.log.Warn().Err(err).Str("job", job.ID).Msg("Invalid schedule")
		}
		job.State.NextRunAtMs = next
	}
}

func (s *Service) nextWakeMs() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var minNext int64
	for _, job := range s.store.Jobs {
		if job.Enabled && job.State.NextRunAtMs > 0 {
			if minNext == 0 || job.State.NextRunAtMs < minNext {
				minNext = job.State.NextRunAtMs
			}
		}
	}
	return minNext
}

func (s *Service) loop() {
	for {
		delay := maxSleep
		if next := s.nextWakeMs(); next > 0 {
			delay = time.Duration(next-s.nowMs()) * time.Millisecond
		}
		if delay < 0 {
			delay = 0
		}
		if delay > maxSleep {
			delay = maxSleep
		}

		select {
		case <-s.stopChan:
			return
		case <-time.After(delay):
			s.reload()
			s.processJobs()
		}
	}
}

// reload merges jobs added or removed by another process (the CLI) while serving.
func (s *Service) reload() {
	data, err := os.ReadFile(s.StorePath)
	if err != nil {
		return
	}
	var disk Store
	if err := json.Unmarshal(data, &disk); err != nil {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	known := make(map[string]Job, len(s.store.Jobs))
	for _, j := range s.store.Jobs {
		known[j.ID] = j
	}
	now := s.nowMs()
	merged := make([]Job, 0, len(disk.Jobs))
	for _, j := range disk.Jobs {
		if mine, ok := known[j.ID]; ok {
			merged = append(merged, mine)
			continue
		}
		if j.Enabled && j.State.NextRunAtMs == 0 {
			j.State.NextRunAtMs, _ = NextRun(j.Schedule, now)
		}
		merged = append(merged, j)
	}
	s.store.Jobs = merged
}

func (s *Service) processJobs() {
	s.mu.RLock()
	now := s.nowMs()
	var due []Job
	for _, job := range s.store.Jobs {
		if job.Enabled && job.State.NextRunAtMs > 0 && now >= job.State.NextRunAtMs {
			due = append(due, job)
		}
	}
	s.mu.RUnlock()

	for _, job := range due {
		job := job
		s.executeJob(&job)

		s.mu.Lock()
		idx := -1
		for i, j := range s.store.Jobs {
			if j.ID == job.ID {
				idx = i
				break
			}
		}
		if idx >= 0 {
			if job.Schedule.Kind == KindAt {
				if job.DeleteAfterRun {
					s.store.Jobs = append(s.store.Jobs[:idx], s.store.Jobs[idx+1:]...)
				} else {
					job.Enabled = false
					job.State.NextRunAtMs = 0
					s.store.Jobs[idx] = job
				}
			} else {
				job.State.NextRunAtMs, _ = NextRun(job.Schedule, s.nowMs())
				s.store.Jobs[idx] = job
			}
		}
		s.mu.Unlock()
	}

	if len(due) > 0 {
		s.saveStore()
	}
}

func (s *Service) executeJob(job *Job) {
	s.log.Info().Str("job", job.ID).Str("name", job.Name).Str("provider", job.Payload.Provider).Msg("Executing job")
	start := s.nowMs()

	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v", r)
			}
		}()
		if s.OnJob == nil {
			return nil
		}
		return s.OnJob(*job)
	}()

	job.State.LastRunAtMs = start
	job.UpdatedAtMs = s.nowMs()
	if err != nil {
		job.State.LastStatus = "error"
		job.State.LastError = err.Error()
		s.log.Warn().Err(err).Str("job", job.ID).Msg("Job failed")
		return
	}
	job.State.LastStatus = "ok"
	job.State.LastError = ""
}

// ListJobs returns the jobs, soonest first; jobs that never run again come last.
func (s *Service) ListJobs() ([]Job, error) {
	if err := s.loadStore(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]Job, len(s.store.Jobs))
	copy(jobs, s.store.Jobs)
	sort.SliceStable(jobs, func(i, j int) bool {
		n1, n2 := jobs[i].State.NextRunAtMs, jobs[j].State.NextRunAtMs
		if n1 == 0 {
			return false
		}
		if n2 == 0 {
			return true
		}
		return n1 < n2
	})
	return jobs, nil
}

// AddJob validates the schedule, stores the job, and returns it.
func (s *Service) AddJob(name string, schedule Schedule, payload Payload, deleteAfterRun bool) (Job, error) {
	if strings.TrimSpace(payload.Prompt) == "" {
		return Job{}, fmt.Errorf("job prompt is empty")
	}
	if payload.Provider == "" {
		return Job{}, fmt.Errorf("job provider is empty")
	}
	if (payload.Channel == "") != (payload.To == "") {
		return Job{}, fmt.Errorf("job channel and target must be set together")
	}
	if err := s.loadStore(); err != nil {
		return Job{}, err
	}

	now := s.nowMs()
	next, err := NextRun(schedule, now)
	if err != nil {
		return Job{}, err
	}
	if next == 0 {
		return Job{}, fmt.Errorf("schedule never fires: %s is in the past", time.UnixMilli(schedule.AtMs).Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	job := Job{
		ID:             uuid.New().String()[:8],
		Name:           name,
		Enabled:        true,
		Schedule:       schedule,
		Payload:        payload,
		State:          JobState{NextRunAtMs: next},
		CreatedAtMs:    now,
		UpdatedAtMs:    now,
		DeleteAfterRun: deleteAfterRun,
	}
	s.store.Jobs = append(s.store.Jobs, job)
	if err := s.saveStoreLocked(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// RemoveJob deletes a job by ID and reports whether it existed.
func (s *Service) RemoveJob(jobID string) (bool, error) {
	if err := s.loadStore(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	jobs := make([]Job, 0, len(s.store.Jobs))
	found := false
	for _, job := range s.store.Jobs {
		if job.ID == jobID {
			found = true
			continue
		}
		jobs = append(jobs, job)
	}
	if !found {
		return false, nil
	}
	s.store.Jobs = jobs
	return true, s.saveStoreLocked()
}
