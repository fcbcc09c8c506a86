package job

import (
	"errors"
	"fmt"
	"math"
	"time"
)

type State string

const (
	StateIdle        State = "idle"
	StateDispatching State = "dispatching"
	StateWaiting     State = "waiting"
	StateStopped     State = "stopped"
	StateCompleted   State = "completed"
)

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrRunning        = errors.New("job is running")
	ErrNoItems        = errors.New("job has no items")
)

// Failure reasons recorded in the analytics tally. Workers may report
// their own reasons in addition to these.
const (
	ReasonTimeout            = "page_timeout"
	ReasonDispatch           = "dispatch_error"
	ReasonWorkerLost         = "worker_lost"
	ReasonWorkerUnresponsive = "worker_unresponsive"
)

type Settings struct {
	AutoResume    bool `json:"auto_resume"`
	Notifications bool `json:"notifications"`
	RetentionDays int  `json:"retention_days"`
}

func DefaultSettings() Settings {
	return Settings{AutoResume: true, Notifications: true, RetentionDays: 90}
}

// Retention is how long reported profile data is kept. Zero keeps it forever.
func (s Settings) Retention() time.Duration {
	if s.RetentionDays <= 0 {
		return 0
	}
	return time.Duration(s.RetentionDays) * 24 * time.Hour
}

// Assignment is the single item currently in flight.
type Assignment struct {
	Index int    `json:"index"`
	Seq   uint64 `json:"seq"`
}

// Job is the persisted record of a batch run.
type Job struct {
	Items        []string    `json:"items"`
	CurrentIndex int         `json:"current_index"`
	ResumeIndex  int         `json:"resume_index"`
	Running      bool        `json:"is_running"`
	State        State       `json:"state"`
	DelayMS      int64       `json:"delay_ms"`
	Note         string      `json:"note"`
	TemplateID   string      `json:"template_id"`
	WorkerID     string      `json:"worker_id,omitempty"`
	InFlight     *Assignment `json:"in_flight,omitempty"`
	LastActiveAt time.Time   `json:"last_active_at"`
	Settings     Settings    `json:"settings"`

	// RunGen changes on every start, stop and completion; periodic timers
	// carry it so ticks from an earlier run are dropped. Seq does the same
	// for per-item timers and worker acquisitions.
	RunGen uint64 `json:"run_gen"`
	Seq    uint64 `json:"seq"`
}

func New() Job {
	return Job{
		State:      StateIdle,
		TemplateID: "default",
		Settings:   DefaultSettings(),
	}
}

func (j Job) Clone() Job {
	c := j
	if j.Items != nil {
		c.Items = append([]string(nil), j.Items...)
	}
	if j.InFlight != nil {
		a := *j.InFlight
		c.InFlight = &a
	}
	return c
}

func (j Job) Total() int {
	return len(j.Items)
}

func (j Job) Delay() time.Duration {
	return time.Duration(j.DelayMS) * time.Millisecond
}

func (j Job) CurrentItem() (string, bool) {
	if j.CurrentIndex < 0 || j.CurrentIndex >= len(j.Items) {
		return "", false
	}
	return j.Items[j.CurrentIndex], true
}

// Validate reports the first broken invariant of the record.
func (j Job) Validate() error {
	if j.CurrentIndex < 0 || j.CurrentIndex > len(j.Items) {
		return fmt.Errorf("current index %d out of range [0, %d]", j.CurrentIndex, len(j.Items))
	}
	if j.CurrentIndex == len(j.Items) && j.Running {
		return fmt.Errorf("job running past its last item")
	}
	if j.WorkerID != "" && !j.Running {
		return fmt.Errorf("worker %s held by a job that is not running", j.WorkerID)
	}
	if j.InFlight != nil {
		if j.State != StateDispatching {
			return fmt.Errorf("item in flight while %s", j.State)
		}
		if j.InFlight.Index != j.CurrentIndex {
			return fmt.Errorf("in-flight index %d differs from cursor %d", j.InFlight.Index, j.CurrentIndex)
		}
	} else if j.State == StateDispatching {
		return fmt.Errorf("dispatching without an assignment")
	}
	return nil
}

type Status struct {
	Status          string `json:"status"`
	ProgressPercent int    `json:"progress_percent"`
	IsRunning       bool   `json:"is_running"`
	Current         int    `json:"current"`
	Total           int    `json:"total"`
	ResumePoint     int    `json:"resume_point"`
	State           State  `json:"state"`
}

func (j Job) Status() Status {
	return Status{
		Status:          j.statusText(),
		ProgressPercent: j.progress(),
		IsRunning:       j.Running,
		Current:         j.CurrentIndex,
		Total:           len(j.Items),
		ResumePoint:     j.ResumeIndex,
		State:           j.State,
	}
}

func (j Job) statusText() string {
	switch {
	case j.Running:
		return fmt.Sprintf("Processing %d/%d profiles", j.CurrentIndex+1, len(j.Items))
	case j.CurrentIndex == 0:
		return "Ready"
	case j.State == StateStopped:
		return fmt.Sprintf("Paused at %d/%d profiles", j.CurrentIndex, len(j.Items))
	default:
		return fmt.Sprintf("Completed %d/%d profiles", j.CurrentIndex, len(j.Items))
	}
}

func (j Job) progress() int {
	if len(j.Items) == 0 {
		return 0
	}
	return int(math.Round(float64(j.CurrentIndex) / float64(len(j.Items)) * 100))
}

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeTimeout OutcomeKind = "timeout"
)

// Profile is the data a worker extracted for an item, if any.
type Profile struct {
	ID       string `json:"profile_id"`
	Name     string `json:"name,omitempty"`
	Headline string `json:"headline,omitempty"`
	Company  string `json:"company,omitempty"`
	Industry string `json:"industry,omitempty"`
	URL      string `json:"url,omitempty"`
}

type Outcome struct {
	Kind    OutcomeKind `json:"kind"`
	Reason  string      `json:"reason,omitempty"`
	Profile *Profile    `json:"profile,omitempty"`
}

func Success(p *Profile) Outcome {
	return Outcome{Kind: OutcomeSuccess, Profile: p}
}

func Failure(reason string, p *Profile) Outcome {
	return Outcome{Kind: OutcomeFailure, Reason: reason, Profile: p}
}

func Timeout() Outcome {
	return Outcome{Kind: OutcomeTimeout, Reason: ReasonTimeout}
}

// OutcomeRecord is what the controller hands to analytics for each item.
type OutcomeRecord struct {
	Index      int       `json:"index"`
	Item       string    `json:"item"`
	TemplateID string    `json:"template_id"`
	Outcome    Outcome   `json:"outcome"`
	At         time.Time `json:"at"`
}

type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
}
