package job

import (
	"fmt"
	"slices"
	"time"
)

const notificationTitle = "Connection Pro"

// Timings are the fixed durations the controller works with.
type Timings struct {
	Deadline       time.Duration
	Settle         time.Duration
	Heartbeat      time.Duration
	Watchdog       time.Duration
	StaleAfter     time.Duration
	Reopen         time.Duration
	MilestoneEvery int
}

func DefaultTimings() Timings {
	return Timings{
		Deadline:       15 * time.Second,
		Settle:         10 * time.Second,
		Heartbeat:      25 * time.Second,
		Watchdog:       60 * time.Second,
		StaleAfter:     5 * time.Minute,
		Reopen:         5 * time.Second,
		MilestoneEvery: 5,
	}
}

// Events

type Event interface{ event() }

type Start struct {
	Items      []string
	Note       string
	TemplateID string
	Delay      time.Duration
	StartIndex *int
}

type Stop struct{}

type Reset struct{}

// Resume re-enters a job restored from storage after a process restart.
type Resume struct{}

type UpdateSettings struct{ Settings Settings }

type WorkerAcquired struct {
	Seq      uint64
	WorkerID string
}

type DispatchFailed struct {
	Seq    uint64
	Reason string
}

type SettleElapsed struct{ Seq uint64 }

// ItemReported carries a worker's verdict. Index, when set, must match
// the item in flight.
type ItemReported struct {
	WorkerID string
	Index    *int
	Outcome  Outcome
}

type DeadlineExpired struct{ Seq uint64 }

type DelayElapsed struct{ Seq uint64 }

type ReopenElapsed struct{ Seq uint64 }

type HeartbeatTick struct{ Gen uint64 }

type HeartbeatReply struct{ WorkerID string }

type WatchdogTick struct{ Gen uint64 }

type WorkerClosed struct{ WorkerID string }

func (Start) event()           {}
func (Stop) event()            {}
func (Reset) event()           {}
func (Resume) event()          {}
func (UpdateSettings) event()  {}
func (WorkerAcquired) event()  {}
func (DispatchFailed) event()  {}
func (SettleElapsed) event()   {}
func (ItemReported) event()    {}
func (DeadlineExpired) event() {}
func (DelayElapsed) event()    {}
func (ReopenElapsed) event()   {}
func (HeartbeatTick) event()   {}
func (HeartbeatReply) event()  {}
func (WatchdogTick) event()    {}
func (WorkerClosed) event()    {}

// Effects

type Effect interface{ effect() }

type TimerKind string

const (
	TimerDeadline  TimerKind = "deadline"
	TimerSettle    TimerKind = "settle"
	TimerDelay     TimerKind = "delay"
	TimerReopen    TimerKind = "reopen"
	TimerHeartbeat TimerKind = "heartbeat"
	TimerWatchdog  TimerKind = "watchdog"
)

type Persist struct{}

type Broadcast struct{ Status Status }

type Notify struct{ Notification Notification }

// ArmTimer replaces any pending timer of the same kind; Fire is fed back
// into the machine when it expires.
type ArmTimer struct {
	Timer TimerKind
	After time.Duration
	Fire  Event
}

type CancelTimer struct{ Timer TimerKind }

type CancelTimers struct{}

// Acquire binds a worker to URL, reusing WorkerID when it still exists.
type Acquire struct {
	Seq      uint64
	WorkerID string
	URL      string
	Recovery bool
}

type Deliver struct {
	WorkerID string
	Payload  ActionPayload
}

type Probe struct{ WorkerID string }

type Release struct{ WorkerID string }

type Record struct{ Record OutcomeRecord }

type MarkStart struct{ At time.Time }

type MarkEnd struct{ At time.Time }

func (Persist) effect()      {}
func (Broadcast) effect()    {}
func (Notify) effect()       {}
func (ArmTimer) effect()     {}
func (CancelTimer) effect()  {}
func (CancelTimers) effect() {}
func (Acquire) effect()      {}
func (Deliver) effect()      {}
func (Probe) effect()        {}
func (Release) effect()      {}
func (Record) effect()       {}
func (MarkStart) effect()    {}
func (MarkEnd) effect()      {}

const (
	ActionSendConnection = "sendConnection"
	ActionHeartbeat      = "heartbeat"
)

// ActionPayload is sent to the worker once the settle delay has passed.
type ActionPayload struct {
	Note       string `json:"note"`
	TemplateID string `json:"template_id"`
	Index      int    `json:"index"`
	URL        string `json:"url"`
}

// Transition applies ev to j and returns the next record plus the effects
// the runtime must carry out. It never touches clocks, workers or storage.
// On error j is returned unchanged with no effects.
func Transition(j Job, ev Event, now time.Time, t Timings) (Job, []Effect, error) {
	m := &machine{job: j.Clone(), now: now, t: t}
	if err := m.apply(ev); err != nil {
		return j, nil, err
	}
	return m.job, m.fx, nil
}

type machine struct {
	job Job
	now time.Time
	t   Timings
	fx  []Effect
}

func (m *machine) emit(fx ...Effect) {
	m.fx = append(m.fx, fx...)
}

func (m *machine) commit() {
	m.emit(Persist{}, Broadcast{Status: m.job.Status()})
}

func (m *machine) notify(format string, args ...any) {
	if !m.job.Settings.Notifications {
		return
	}
	m.emit(Notify{Notification: Notification{Title: notificationTitle, Message: fmt.Sprintf(format, args...)}})
}

func (m *machine) apply(ev Event) error {
	switch e := ev.(type) {
	case Start:
		return m.start(e)
	case Stop:
		m.stop()
	case Reset:
		return m.reset()
	case Resume:
		m.resume()
	case UpdateSettings:
		m.job.Settings = e.Settings
		m.emit(Persist{})
	case WorkerAcquired:
		m.workerAcquired(e)
	case DispatchFailed:
		if m.inFlight(e.Seq) {
			m.releaseWorker()
			m.complete(Failure(e.Reason, nil))
		}
	case SettleElapsed:
		if m.inFlight(e.Seq) && m.job.WorkerID != "" {
			m.deliver()
		}
	case ItemReported:
		m.itemReported(e)
	case DeadlineExpired:
		if m.inFlight(e.Seq) {
			m.complete(Timeout())
		}
	case DelayElapsed:
		if m.job.Running && m.job.State == StateWaiting && m.job.Seq == e.Seq {
			m.dispatch(false)
			m.commit()
		}
	case ReopenElapsed:
		if m.inFlight(e.Seq) {
			m.dispatch(true)
			m.commit()
		}
	case HeartbeatTick:
		m.heartbeat(e)
	case HeartbeatReply:
		if m.job.Running && (e.WorkerID == "" || e.WorkerID == m.job.WorkerID) {
			m.job.LastActiveAt = m.now
			m.emit(Persist{})
		}
	case WatchdogTick:
		m.watchdog(e)
	case WorkerClosed:
		m.workerClosed(e)
	default:
		return fmt.Errorf("unknown event %T", ev)
	}
	return nil
}

func (m *machine) inFlight(seq uint64) bool {
	j := m.job
	return j.Running && j.State == StateDispatching && j.InFlight != nil && j.InFlight.Seq == seq
}

func (m *machine) start(e Start) error {
	j := &m.job
	if j.Running {
		return ErrAlreadyRunning
	}

	items := e.Items
	resuming := len(items) == 0 || slices.Equal(items, j.Items)
	if len(items) == 0 {
		items = j.Items
	}
	if len(items) == 0 {
		return ErrNoItems
	}

	idx := 0
	switch {
	case e.StartIndex != nil:
		if *e.StartIndex >= 0 && *e.StartIndex < len(items) {
			idx = *e.StartIndex
		}
	case resuming && j.ResumeIndex >= 0 && j.ResumeIndex < len(items):
		idx = j.ResumeIndex
	}

	j.Items = append([]string(nil), items...)
	j.Note = e.Note
	if e.TemplateID != "" {
		j.TemplateID = e.TemplateID
	}
	if e.Delay >= 0 {
		j.DelayMS = e.Delay.Milliseconds()
	}
	j.CurrentIndex = idx
	j.ResumeIndex = idx
	j.Running = true
	j.LastActiveAt = m.now
	j.WorkerID = ""
	j.RunGen++

	m.emit(MarkStart{At: m.now})
	m.notify("Starting to send connections to %d profiles", len(j.Items))
	m.armPeriodic()
	m.dispatch(false)
	m.commit()
	return nil
}

func (m *machine) armPeriodic() {
	gen := m.job.RunGen
	if m.t.Heartbeat > 0 {
		m.emit(ArmTimer{Timer: TimerHeartbeat, After: m.t.Heartbeat, Fire: HeartbeatTick{Gen: gen}})
	}
	if m.t.Watchdog > 0 {
		m.emit(ArmTimer{Timer: TimerWatchdog, After: m.t.Watchdog, Fire: WatchdogTick{Gen: gen}})
	}
}

// dispatch puts the current item in flight. The cursor is not moved.
func (m *machine) dispatch(recovery bool) {
	j := &m.job
	j.Seq++
	j.State = StateDispatching
	j.InFlight = &Assignment{Index: j.CurrentIndex, Seq: j.Seq}

	if m.t.Deadline > 0 {
		m.emit(ArmTimer{Timer: TimerDeadline, After: m.t.Deadline, Fire: DeadlineExpired{Seq: j.Seq}})
	}
	m.emit(Acquire{Seq: j.Seq, WorkerID: j.WorkerID, URL: j.Items[j.CurrentIndex], Recovery: recovery})
}

func (m *machine) workerAcquired(e WorkerAcquired) {
	j := &m.job
	if !m.inFlight(e.Seq) {
		// A late acquisition for a superseded dispatch; drop the worker
		// unless it is the one already held.
		if e.WorkerID != "" && e.WorkerID != j.WorkerID {
			m.emit(Release{WorkerID: e.WorkerID})
		}
		return
	}
	if j.WorkerID != "" && j.WorkerID != e.WorkerID {
		m.emit(Release{WorkerID: j.WorkerID})
	}
	j.WorkerID = e.WorkerID
	j.LastActiveAt = m.now
	m.emit(
		ArmTimer{Timer: TimerSettle, After: m.t.Settle, Fire: SettleElapsed{Seq: e.Seq}},
		Persist{},
	)
}

func (m *machine) deliver() {
	j := m.job
	m.emit(Deliver{
		WorkerID: j.WorkerID,
		Payload: ActionPayload{
			Note:       j.Note,
			TemplateID: j.TemplateID,
			Index:      j.InFlight.Index,
			URL:        j.Items[j.InFlight.Index],
		},
	})
}

func (m *machine) itemReported(e ItemReported) {
	j := m.job
	if !j.Running || j.State != StateDispatching || j.InFlight == nil {
		return
	}
	if e.WorkerID != "" && j.WorkerID != "" && e.WorkerID != j.WorkerID {
		return
	}
	if e.Index != nil && *e.Index != j.InFlight.Index {
		return
	}
	m.complete(e.Outcome)
}

// complete records the outcome of the in-flight item and advances the
// cursor regardless of what the outcome was.
func (m *machine) complete(o Outcome) {
	j := &m.job
	idx := j.InFlight.Index

	m.emit(
		Record{Record: OutcomeRecord{
			Index:      idx,
			Item:       j.Items[idx],
			TemplateID: j.TemplateID,
			Outcome:    o,
			At:         m.now,
		}},
		CancelTimer{Timer: TimerDeadline},
		CancelTimer{Timer: TimerSettle},
	)

	j.InFlight = nil
	j.CurrentIndex = idx + 1
	j.ResumeIndex = j.CurrentIndex
	j.LastActiveAt = m.now

	if j.CurrentIndex >= len(j.Items) {
		j.CurrentIndex = len(j.Items)
		j.ResumeIndex = j.CurrentIndex
		m.halt(StateCompleted)
		m.notify("Completed sending connections to %d profiles!", len(j.Items))
		m.commit()
		return
	}

	j.State = StateWaiting
	if m.t.MilestoneEvery > 0 && j.CurrentIndex%m.t.MilestoneEvery == 0 {
		m.notify("Processed %d/%d profiles", j.CurrentIndex, len(j.Items))
	}
	m.emit(ArmTimer{Timer: TimerDelay, After: j.Delay(), Fire: DelayElapsed{Seq: j.Seq}})
	m.commit()
}

// halt ends the run: timers are cancelled and both generations bumped so
// anything still in transit is ignored.
func (m *machine) halt(state State) {
	j := &m.job
	j.Running = false
	j.State = state
	j.InFlight = nil
	j.RunGen++
	j.Seq++
	m.emit(CancelTimers{})
	m.releaseWorker()
	m.emit(MarkEnd{At: m.now})
}

func (m *machine) releaseWorker() {
	if m.job.WorkerID == "" {
		return
	}
	m.emit(Release{WorkerID: m.job.WorkerID})
	m.job.WorkerID = ""
}

func (m *machine) stop() {
	j := &m.job
	if !j.Running {
		j.ResumeIndex = j.CurrentIndex
		m.commit()
		return
	}
	j.ResumeIndex = j.CurrentIndex
	m.halt(StateStopped)
	m.notify("Automation stopped at profile %d/%d", j.CurrentIndex, len(j.Items))
	m.commit()
}

func (m *machine) reset() error {
	j := &m.job
	if j.Running {
		return ErrRunning
	}
	j.CurrentIndex = 0
	j.ResumeIndex = 0
	j.State = StateIdle
	m.commit()
	return nil
}

func (m *machine) resume() {
	j := &m.job
	if !j.Running {
		// A record saved mid-dispatch without the running flag is stale.
		if j.State == StateDispatching || j.State == StateWaiting {
			j.State = StateStopped
			j.InFlight = nil
			j.ResumeIndex = j.CurrentIndex
			m.commit()
		}
		return
	}

	if j.CurrentIndex >= len(j.Items) {
		j.CurrentIndex = len(j.Items)
		m.halt(StateCompleted)
		m.commit()
		return
	}

	if !j.Settings.AutoResume {
		j.ResumeIndex = j.CurrentIndex
		m.halt(StateStopped)
		m.commit()
		return
	}

	j.RunGen++
	j.LastActiveAt = m.now
	j.InFlight = nil
	m.notify("Resuming at profile %d/%d", j.CurrentIndex+1, len(j.Items))
	m.armPeriodic()
	m.dispatch(false)
	m.commit()
}

func (m *machine) heartbeat(e HeartbeatTick) {
	j := m.job
	if !j.Running || e.Gen != j.RunGen {
		return
	}
	if j.WorkerID != "" {
		m.emit(Probe{WorkerID: j.WorkerID})
	}
	m.emit(ArmTimer{Timer: TimerHeartbeat, After: m.t.Heartbeat, Fire: HeartbeatTick{Gen: j.RunGen}})
}

// watchdog re-dispatches the in-flight item when nothing has been heard
// for longer than StaleAfter. The cursor is left where it is.
//
// Only Dispatching is watched. Waiting always has the delay timer armed
// and it ends in a dispatch; Go timers are not dropped the way a
// suspended page's can be, so a Waiting job cannot stall.
func (m *machine) watchdog(e WatchdogTick) {
	j := &m.job
	if !j.Running || e.Gen != j.RunGen {
		return
	}
	m.emit(ArmTimer{Timer: TimerWatchdog, After: m.t.Watchdog, Fire: WatchdogTick{Gen: j.RunGen}})

	if j.State != StateDispatching || m.now.Sub(j.LastActiveAt) <= m.t.StaleAfter {
		return
	}
	j.LastActiveAt = m.now
	m.dispatch(true)
	m.commit()
}

func (m *machine) workerClosed(e WorkerClosed) {
	j := &m.job
	if e.WorkerID == "" || e.WorkerID != j.WorkerID {
		return
	}
	j.WorkerID = ""
	if j.Running && j.State == StateDispatching && j.InFlight != nil {
		m.emit(ArmTimer{Timer: TimerReopen, After: m.t.Reopen, Fire: ReopenElapsed{Seq: j.InFlight.Seq}})
	}
	m.emit(Persist{})
}
