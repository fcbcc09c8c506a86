package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

type Timer interface {
	Stop() bool
}

type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now().UTC() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

func RealClock() Clock { return realClock{} }

type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

type Broadcaster interface {
	BroadcastStatus(s Status)
}

// Recorder receives per-item outcomes and run boundaries for analytics.
type Recorder interface {
	RecordOutcome(rec OutcomeRecord) error
	RecordRecovery(reason string) error
	MarkStart(at time.Time) error
	MarkEnd(at time.Time) error
}

type ProfileSink interface {
	SaveProfile(p Profile, retention time.Duration) error
}

// Deps are the collaborators of a Controller. Store and Surface are
// required; the rest default to no-ops.
type Deps struct {
	Store       JobStore
	Surface     Surface
	Clock       Clock
	Notifier    Notifier
	Broadcaster Broadcaster
	Recorder    Recorder
	Profiles    ProfileSink
	Logger      *slog.Logger
	Timings     Timings

	// Spawn runs surface and notification work outside the state lock.
	// Defaults to a new goroutine per effect.
	Spawn func(func())
}

// Controller owns the job record. Every state change goes through
// Transition under mu; effects that talk to the outside world run after
// mu is released and report back through handle.
type Controller struct {
	mu      sync.Mutex
	job     Job
	timers  map[TimerKind]Timer
	timings Timings

	store       JobStore
	dispatcher  *Dispatcher
	clock       Clock
	notifier    Notifier
	broadcaster Broadcaster
	recorder    Recorder
	profiles    ProfileSink
	logger      *slog.Logger
	spawn       func(func())

	ioTimeout time.Duration
}

func NewController(d Deps) *Controller {
	c := &Controller{
		job:         New(),
		timers:      make(map[TimerKind]Timer),
		timings:     d.Timings,
		store:       d.Store,
		dispatcher:  NewDispatcher(d.Surface),
		clock:       d.Clock,
		notifier:    d.Notifier,
		broadcaster: d.Broadcaster,
		recorder:    d.Recorder,
		profiles:    d.Profiles,
		logger:      d.Logger,
		spawn:       d.Spawn,
		ioTimeout:   30 * time.Second,
	}
	if c.store == nil {
		c.store = NewMemoryStore()
	}
	if c.clock == nil {
		c.clock = RealClock()
	}
	if c.notifier == nil {
		c.notifier = nopNotifier{}
	}
	if c.broadcaster == nil {
		c.broadcaster = nopBroadcaster{}
	}
	if c.recorder == nil {
		c.recorder = nopRecorder{}
	}
	if c.profiles == nil {
		c.profiles = nopProfiles{}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	c.logger = c.logger.With("component", "controller")
	if c.spawn == nil {
		c.spawn = func(f func()) { go f() }
	}
	if c.timings == (Timings{}) {
		c.timings = DefaultTimings()
	}
	return c
}

// Restore loads the saved record and, if it was running, resumes it
// according to its AutoResume setting.
func (c *Controller) Restore() error {
	saved, err := c.store.Load()
	if err != nil {
		if errors.Is(err, ErrNoJob) {
			return nil
		}
		return fmt.Errorf("restore job: %w", err)
	}
	if err := saved.Validate(); err != nil {
		c.logger.Warn("saved job is inconsistent, resetting cursor", "err", err)
		saved.CurrentIndex, saved.ResumeIndex = 0, 0
		saved.Running = false
		saved.WorkerID = ""
		saved.InFlight = nil
		saved.State = StateIdle
	}

	c.mu.Lock()
	c.job = *saved
	c.mu.Unlock()

	c.logger.Info("restored job", "state", saved.State, "current", saved.CurrentIndex, "total", saved.Total())
	return c.handle(Resume{})
}

type StartRequest struct {
	Items      []string
	Note       string
	TemplateID string
	Delay      time.Duration
	StartIndex *int
}

func (c *Controller) Start(req StartRequest) (Status, error) {
	err := c.handle(Start{
		Items:      req.Items,
		Note:       req.Note,
		TemplateID: req.TemplateID,
		Delay:      req.Delay,
		StartIndex: req.StartIndex,
	})
	return c.Status(), err
}

func (c *Controller) Stop() Status {
	c.handle(Stop{})
	return c.Status()
}

func (c *Controller) Reset() (Status, error) {
	err := c.handle(Reset{})
	return c.Status(), err
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Status()
}

// Snapshot returns a copy of the current record.
func (c *Controller) Snapshot() Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Clone()
}

func (c *Controller) Settings() Settings {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.job.Settings
}

func (c *Controller) UpdateSettings(s Settings) {
	c.handle(UpdateSettings{Settings: s})
}

func (c *Controller) ItemSucceeded(workerID string, index *int, p *Profile) {
	c.handle(ItemReported{WorkerID: workerID, Index: index, Outcome: Success(p)})
}

func (c *Controller) ItemFailed(workerID string, index *int, reason string, p *Profile) {
	if reason == "" {
		reason = "unknown"
	}
	c.handle(ItemReported{WorkerID: workerID, Index: index, Outcome: Failure(reason, p)})
}

func (c *Controller) HeartbeatReply(workerID string) {
	c.handle(HeartbeatReply{WorkerID: workerID})
}

func (c *Controller) WorkerClosed(workerID string) {
	c.handle(WorkerClosed{WorkerID: workerID})
}

// Close cancels every pending timer without changing the record.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelAll()
}

func (c *Controller) handle(ev Event) error {
	c.mu.Lock()
	next, fx, err := Transition(c.job, ev, c.clock.Now(), c.timings)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	c.job = next

	var deferred []Effect
	for _, f := range fx {
		switch f := f.(type) {
		case Persist:
			c.persist()
		case Broadcast:
			c.broadcaster.BroadcastStatus(f.Status)
		case ArmTimer:
			c.arm(f)
		case CancelTimer:
			if t, ok := c.timers[f.Timer]; ok {
				t.Stop()
				delete(c.timers, f.Timer)
			}
		case CancelTimers:
			c.cancelAll()
		case Record:
			c.record(f.Record)
		case MarkStart:
			if err := c.recorder.MarkStart(f.At); err != nil {
				c.logger.Warn("mark start failed", "err", err)
			}
		case MarkEnd:
			if err := c.recorder.MarkEnd(f.At); err != nil {
				c.logger.Warn("mark end failed", "err", err)
			}
		default:
			deferred = append(deferred, f)
		}
	}
	c.mu.Unlock()

	for _, f := range deferred {
		f := f
		c.spawn(func() { c.perform(f) })
	}
	return nil
}

// persist is fire-and-forget: a failed write is logged and the in-memory
// record stays authoritative.
func (c *Controller) persist() {
	j := c.job.Clone()
	if err := c.store.Save(&j); err != nil {
		c.logger.Error("persist job failed", "err", err)
	}
}

func (c *Controller) record(rec OutcomeRecord) {
	if err := c.recorder.RecordOutcome(rec); err != nil {
		c.logger.Warn("record outcome failed", "err", err)
	}
	if p := rec.Outcome.Profile; p != nil && p.ID != "" {
		if err := c.profiles.SaveProfile(*p, c.job.Settings.Retention()); err != nil {
			c.logger.Warn("save profile failed", "profile", p.ID, "err", err)
		}
	}
	c.logger.Info("item finished",
		"index", rec.Index,
		"item", rec.Item,
		"outcome", rec.Outcome.Kind,
		"reason", rec.Outcome.Reason,
	)
}

func (c *Controller) arm(a ArmTimer) {
	if t, ok := c.timers[a.Timer]; ok {
		t.Stop()
	}
	fire := a.Fire
	c.timers[a.Timer] = c.clock.AfterFunc(a.After, func() {
		if err := c.handle(fire); err != nil {
			c.logger.Warn("timer event rejected", "event", fmt.Sprintf("%T", fire), "err", err)
		}
	})
}

func (c *Controller) cancelAll() {
	for kind, t := range c.timers {
		t.Stop()
		delete(c.timers, kind)
	}
}

func (c *Controller) perform(f Effect) {
	ctx, cancel := context.WithTimeout(context.Background(), c.ioTimeout)
	defer cancel()

	switch f := f.(type) {
	case Acquire:
		c.acquire(ctx, f)
	case Deliver:
		if err := c.dispatcher.Deliver(ctx, f.WorkerID, f.Payload); err != nil {
			// The item deadline covers a lost delivery.
			c.logger.Warn("deliver failed", "worker", f.WorkerID, "index", f.Payload.Index, "err", err)
			return
		}
		c.logger.Debug("delivered action", "worker", f.WorkerID, "index", f.Payload.Index)
	case Probe:
		if err := c.dispatcher.Probe(ctx, f.WorkerID); err != nil {
			c.logger.Debug("heartbeat probe failed", "worker", f.WorkerID, "err", err)
		}
	case Release:
		if err := c.dispatcher.Release(ctx, f.WorkerID); err != nil {
			c.logger.Debug("release worker failed", "worker", f.WorkerID, "err", err)
		}
	case Notify:
		if err := c.notifier.Notify(ctx, f.Notification); err != nil {
			c.logger.Warn("notification failed", "err", err)
		}
	default:
		c.logger.Error("unhandled effect", "effect", fmt.Sprintf("%T", f))
	}
}

func (c *Controller) acquire(ctx context.Context, a Acquire) {
	id, reused, err := c.dispatcher.Acquire(ctx, a.WorkerID, a.URL)
	if err != nil {
		c.logger.Warn("dispatch failed", "url", a.URL, "err", err)
		c.handle(DispatchFailed{Seq: a.Seq, Reason: ReasonDispatch})
		return
	}

	if a.Recovery {
		reason := ReasonWorkerLost
		if reused {
			reason = ReasonWorkerUnresponsive
		}
		c.logger.Warn("recovered stalled item", "reason", reason, "worker", id, "url", a.URL)
		if err := c.recorder.RecordRecovery(reason); err != nil {
			c.logger.Warn("record recovery failed", "err", err)
		}
	}

	c.logger.Debug("worker acquired", "worker", id, "reused", reused, "url", a.URL)
	c.handle(WorkerAcquired{Seq: a.Seq, WorkerID: id})
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, Notification) error { return nil }

type nopBroadcaster struct{}

func (nopBroadcaster) BroadcastStatus(Status) {}

type nopRecorder struct{}

func (nopRecorder) RecordOutcome(OutcomeRecord) error { return nil }
func (nopRecorder) RecordRecovery(string) error       { return nil }
func (nopRecorder) MarkStart(time.Time) error         { return nil }
func (nopRecorder) MarkEnd(time.Time) error           { return nil }

type nopProfiles struct{}

func (nopProfiles) SaveProfile(Profile, time.Duration) error { return nil }
