package cron

// Schedule kinds.
const (
	KindAt    = "at"
	KindEvery = "every"
	KindCron  = "cron"
)

// Schedule says when a job runs.
type Schedule struct {
	Kind    string `json:"kind"` // at, every, cron
	AtMs    int64  `json:"atMs,omitempty"`
	EveryMs int64  `json:"everyMs,omitempty"`
	Expr    string `json:"expr,omitempty"`
	Tz      string `json:"tz,omitempty"`
}

// Payload is the generation a job performs and where the result goes.
type Payload struct {
	Provider  string            `json:"provider"`
	Operation string            `json:"operation,omitempty"`
	Prompt    string            `json:"prompt"`
	Options   map[string]string `json:"options,omitempty"`
	Channel   string            `json:"channel,omitempty"`
	To        string            `json:"to,omitempty"`
}

// JobState is the runtime state of a job.
type JobState struct {
	NextRunAtMs int64  `json:"nextRunAtMs,omitempty"`
	LastRunAtMs int64  `json:"lastRunAtMs,omitempty"`
	LastStatus  string `json:"lastStatus,omitempty"` // ok, error
	LastError   string `json:"lastError,omitempty"`
}

// Job is one scheduled generation.
type Job struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Enabled        bool     `json:"enabled"`
	Schedule       Schedule `json:"schedule"`
	Payload        Payload  `json:"payload"`
	State          JobState `json:"state"`
	CreatedAtMs    int64    `json:"createdAtMs"`
	UpdatedAtMs    int64    `json:"updatedAtMs"`
	DeleteAfterRun bool     `json:"deleteAfterRun"`
}

// Store is the persisted job list.
type Store struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}
