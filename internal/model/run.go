package model

import "time"

// Run status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
)

// Run origins: inline source, a workspace file, or the selected file.
const (
	OriginSource   = "source"
	OriginFile     = "file"
	OriginSelected = "selected"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusBlocked: true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusBlocked:   true,
	},
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// Terminal reports whether status is final.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusBlocked
}

// OutputChunk is one persisted stdio chunk of a run, in emission order.
type OutputChunk struct {
	ID        int64     `json:"id"`
	RunID     string    `json:"run_id"`
	Seq       int       `json:"seq"`
	Stream    string    `json:"stream"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Run is one script execution submitted through the API.
type Run struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Origin string `json:"origin"`
	FileID *int64 `json:"file_id,omitempty"`

	// Name, Typed and Source are the request as known at submission. Once
	// the run finishes they hold the request that actually executed, which
	// for a run coalesced with later submissions is the latest of them.
	Name   string `json:"name"`
	Typed  bool   `json:"typed"`
	Source string `json:"source,omitempty"`

	Stage           string     `json:"stage,omitempty"`
	FileName        string     `json:"file_name,omitempty"`
	CompileMessages string     `json:"compile_messages,omitempty"`
	Error           string     `json:"error,omitempty"`
	DurationMS      *int       `json:"duration_ms,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
}
