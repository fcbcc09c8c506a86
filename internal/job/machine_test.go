package job

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

func intPtr(i int) *int { return &i }

func step(t *testing.T, j Job, ev Event, now time.Time) (Job, []Effect) {
	t.Helper()
	next, fx, err := Transition(j, ev, now, DefaultTimings())
	require.NoError(t, err)
	require.NoError(t, next.Validate(), "invariant broken after %T", ev)
	return next, fx
}

func find[T Effect](fx []Effect) []T {
	var out []T
	for _, f := range fx {
		if v, ok := f.(T); ok {
			out = append(out, v)
		}
	}
	return out
}

// started returns a job with items in flight on worker w-1.
func started(t *testing.T, items []string, delay time.Duration) Job {
	t.Helper()
	j, _ := step(t, New(), Start{Items: items, Delay: delay}, t0)
	j, _ = step(t, j, WorkerAcquired{Seq: j.Seq, WorkerID: "w-1"}, t0)
	return j
}

func succeed(t *testing.T, j Job, now time.Time) Job {
	t.Helper()
	j, _ = step(t, j, WorkerAcquired{Seq: j.Seq, WorkerID: "w-1"}, now)
	j, _ = step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, now)
	if j.Running {
		j, _ = step(t, j, DelayElapsed{Seq: j.Seq}, now)
	}
	return j
}

func TestStart_SetsCursorForEveryValidIndex(t *testing.T) {
	items := []string{"p1", "p2", "p3", "p4"}
	for k := range items {
		j, _ := step(t, New(), Start{Items: items, StartIndex: intPtr(k)}, t0)

		assert.Equal(t, k, j.CurrentIndex)
		assert.Equal(t, k, j.ResumeIndex)
		assert.True(t, j.Running)
		assert.Equal(t, StateDispatching, j.State)
		require.NotNil(t, j.InFlight)
		assert.Equal(t, k, j.InFlight.Index)
	}
}

func TestStart_ClampsOutOfRangeIndex(t *testing.T) {
	for _, k := range []int{-1, 3, 10} {
		j, _ := step(t, New(), Start{Items: []string{"p1", "p2", "p3"}, StartIndex: intPtr(k)}, t0)
		assert.Equal(t, 0, j.CurrentIndex, "start index %d", k)
		assert.Equal(t, 0, j.ResumeIndex, "start index %d", k)
	}
}

func TestStart_Rejections(t *testing.T) {
	_, _, err := Transition(New(), Start{}, t0, DefaultTimings())
	assert.ErrorIs(t, err, ErrNoItems)

	running := started(t, []string{"p1"}, 0)
	next, fx, err := Transition(running, Start{Items: []string{"x"}}, t0, DefaultTimings())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Nil(t, fx)
	assert.Equal(t, running.Items, next.Items)
}

func TestStart_Effects(t *testing.T) {
	j, fx := step(t, New(), Start{Items: []string{"p1", "p2"}, Note: "hi", Delay: time.Second}, t0)

	want := []Acquire{{Seq: 1, URL: "p1"}}
	if diff := cmp.Diff(want, find[Acquire](fx)); diff != "" {
		t.Errorf("acquire effects (-want +got):\n%s", diff)
	}

	timers := map[TimerKind]time.Duration{}
	for _, a := range find[ArmTimer](fx) {
		timers[a.Timer] = a.After
	}
	assert.Equal(t, map[TimerKind]time.Duration{
		TimerDeadline:  15 * time.Second,
		TimerHeartbeat: 25 * time.Second,
		TimerWatchdog:  60 * time.Second,
	}, timers)

	assert.Len(t, find[MarkStart](fx), 1)
	assert.Len(t, find[Persist](fx), 1)
	notes := find[Notify](fx)
	require.Len(t, notes, 1)
	assert.Contains(t, notes[0].Notification.Message, "2 profiles")

	assert.Equal(t, int64(1000), j.DelayMS)
	assert.Equal(t, "default", j.TemplateID)
}

func TestScenarioA_SuccessAdvancesAndWaits(t *testing.T) {
	j := started(t, []string{"p1", "p2", "p3"}, time.Second)

	j, fx := step(t, j, SettleElapsed{Seq: j.Seq}, t0.Add(10*time.Second))
	if diff := cmp.Diff([]Deliver{{
		WorkerID: "w-1",
		Payload:  ActionPayload{TemplateID: "default", Index: 0, URL: "p1"},
	}}, find[Deliver](fx)); diff != "" {
		t.Errorf("deliver (-want +got):\n%s", diff)
	}

	j, fx = step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, t0.Add(12*time.Second))
	assert.Equal(t, 1, j.CurrentIndex)
	assert.Equal(t, StateWaiting, j.State)
	assert.Nil(t, j.InFlight)

	broadcasts := find[Broadcast](fx)
	require.Len(t, broadcasts, 1)
	st := broadcasts[0].Status
	assert.Equal(t, 1, st.Current)
	assert.Equal(t, 3, st.Total)
	assert.Equal(t, 33, st.ProgressPercent)

	arms := find[ArmTimer](fx)
	require.Len(t, arms, 1)
	assert.Equal(t, TimerDelay, arms[0].Timer)
	assert.Equal(t, time.Second, arms[0].After)

	j, fx = step(t, j, arms[0].Fire, t0.Add(13*time.Second))
	assert.Equal(t, StateDispatching, j.State)
	assert.Equal(t, &Assignment{Index: 1, Seq: 2}, j.InFlight)
	assert.Equal(t, []Acquire{{Seq: 2, WorkerID: "w-1", URL: "p2"}}, find[Acquire](fx))
}

func TestScenarioB_DeadlineCountsAsTimeout(t *testing.T) {
	j := started(t, []string{"p1", "p2"}, time.Second)

	j, fx := step(t, j, DeadlineExpired{Seq: j.Seq}, t0.Add(15*time.Second))

	assert.Equal(t, 1, j.CurrentIndex)
	records := find[Record](fx)
	require.Len(t, records, 1)
	assert.Equal(t, OutcomeTimeout, records[0].Record.Outcome.Kind)
	assert.Equal(t, ReasonTimeout, records[0].Record.Outcome.Reason)
	assert.Equal(t, "p1", records[0].Record.Item)
}

func TestScenarioC_StopThenResume(t *testing.T) {
	items := []string{"p1", "p2", "p3"}
	j := started(t, items, time.Minute)
	j, _ = step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, t0)
	waitingSeq := j.Seq

	j, fx := step(t, j, Stop{}, t0.Add(time.Second))
	assert.Equal(t, 1, j.ResumeIndex)
	assert.False(t, j.Running)
	assert.Equal(t, StateStopped, j.State)
	assert.Empty(t, j.WorkerID)
	assert.Len(t, find[CancelTimers](fx), 1)
	assert.Equal(t, []Release{{WorkerID: "w-1"}}, find[Release](fx))
	assert.Len(t, find[Notify](fx), 1)

	// The delay armed before stop is now stale.
	after, fx := step(t, j, DelayElapsed{Seq: waitingSeq}, t0.Add(time.Minute))
	assert.Empty(t, fx)
	assert.Equal(t, j, after)

	j, fx = step(t, j, Start{Items: items}, t0.Add(2*time.Minute))
	assert.Equal(t, 1, j.CurrentIndex)
	assert.True(t, j.Running)
	assert.Equal(t, []Acquire{{Seq: j.Seq, URL: "p2"}}, find[Acquire](fx))
}

func TestStop_Idempotent(t *testing.T) {
	j := started(t, []string{"p1", "p2", "p3"}, 0)
	j, _ = step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, t0)

	once, _ := step(t, j, Stop{}, t0)
	twice, fx := step(t, once, Stop{}, t0)

	assert.Equal(t, once.ResumeIndex, twice.ResumeIndex)
	assert.Equal(t, once, twice)
	assert.Empty(t, find[Notify](fx))
	assert.Empty(t, find[Release](fx))
}

func TestScenarioD_SingleItemCompletes(t *testing.T) {
	j := started(t, []string{"p1"}, time.Second)

	j, fx := step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, t0)
	assert.Equal(t, 1, j.CurrentIndex)
	assert.Equal(t, StateCompleted, j.State)
	assert.False(t, j.Running)
	assert.Empty(t, j.WorkerID)

	notes := find[Notify](fx)
	require.Len(t, notes, 1)
	assert.True(t, strings.HasPrefix(notes[0].Notification.Message, "Completed"))
	assert.Len(t, find[MarkEnd](fx), 1)

	_, fx = step(t, j, DeadlineExpired{Seq: 1}, t0.Add(time.Minute))
	assert.Empty(t, fx)
	_, fx = step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, t0.Add(time.Minute))
	assert.Empty(t, fx)
}

func TestScenarioE_WatchdogRedispatchesSameItem(t *testing.T) {
	j := started(t, []string{"p1", "p2"}, time.Second)

	j, fx := step(t, j, WatchdogTick{Gen: j.RunGen}, t0.Add(time.Minute))
	assert.Empty(t, find[Acquire](fx))
	assert.Len(t, find[ArmTimer](fx), 1)

	seqBefore := j.Seq
	j, fx = step(t, j, WatchdogTick{Gen: j.RunGen}, t0.Add(6*time.Minute))
	assert.Equal(t, 0, j.CurrentIndex)
	assert.Equal(t, &Assignment{Index: 0, Seq: seqBefore + 1}, j.InFlight)
	assert.Equal(t, []Acquire{{Seq: seqBefore + 1, WorkerID: "w-1", URL: "p1", Recovery: true}}, find[Acquire](fx))
	assert.Empty(t, find[Record](fx))
}

func TestWatchdog_HeartbeatReplyKeepsJobFresh(t *testing.T) {
	j := started(t, []string{"p1"}, 0)

	j, fx := step(t, j, HeartbeatTick{Gen: j.RunGen}, t0.Add(25*time.Second))
	assert.Equal(t, []Probe{{WorkerID: "w-1"}}, find[Probe](fx))

	j, _ = step(t, j, HeartbeatReply{WorkerID: "w-1"}, t0.Add(2*time.Minute))
	j, fx = step(t, j, WatchdogTick{Gen: j.RunGen}, t0.Add(6*time.Minute))
	assert.Empty(t, find[Acquire](fx))
	assert.Equal(t, 0, j.CurrentIndex)
}

func TestWatchdog_IgnoresWaitingState(t *testing.T) {
	j := started(t, []string{"p1", "p2"}, time.Hour)
	j, _ = step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, t0)

	_, fx := step(t, j, WatchdogTick{Gen: j.RunGen}, t0.Add(10*time.Minute))
	assert.Empty(t, find[Acquire](fx))
}

func TestStaleTicksAreNoops(t *testing.T) {
	j := started(t, []string{"p1"}, 0)

	for _, ev := range []Event{
		HeartbeatTick{Gen: j.RunGen - 1},
		WatchdogTick{Gen: j.RunGen + 1},
		SettleElapsed{Seq: j.Seq + 1},
		DeadlineExpired{Seq: j.Seq - 1},
		ReopenElapsed{Seq: j.Seq + 3},
	} {
		next, fx := step(t, j, ev, t0.Add(time.Hour))
		assert.Empty(t, fx, "%T", ev)
		assert.Equal(t, j, next, "%T", ev)
	}
}

func TestWorkerClosed_ReopensSameItem(t *testing.T) {
	j := started(t, []string{"p1", "p2"}, 0)

	j, fx := step(t, j, WorkerClosed{WorkerID: "w-1"}, t0)
	assert.Empty(t, j.WorkerID)
	arms := find[ArmTimer](fx)
	require.Len(t, arms, 1)
	assert.Equal(t, TimerReopen, arms[0].Timer)
	assert.Equal(t, 5*time.Second, arms[0].After)

	j, fx = step(t, j, arms[0].Fire, t0.Add(5*time.Second))
	assert.Equal(t, 0, j.CurrentIndex)
	assert.Equal(t, []Acquire{{Seq: j.Seq, URL: "p1", Recovery: true}}, find[Acquire](fx))

	// Closing a worker the job does not hold changes nothing.
	_, fx = step(t, j, WorkerClosed{WorkerID: "w-9"}, t0)
	assert.Empty(t, fx)
}

func TestDispatchFailed_AdvancesWithReason(t *testing.T) {
	j, _ := step(t, New(), Start{Items: []string{"p1", "p2"}}, t0)

	j, fx := step(t, j, DispatchFailed{Seq: j.Seq, Reason: ReasonDispatch}, t0)
	assert.Equal(t, 1, j.CurrentIndex)
	records := find[Record](fx)
	require.Len(t, records, 1)
	assert.Equal(t, Failure(ReasonDispatch, nil), records[0].Record.Outcome)
}

func TestItemReported_IgnoresMismatches(t *testing.T) {
	j := started(t, []string{"p1", "p2"}, 0)

	_, fx := step(t, j, ItemReported{WorkerID: "w-2", Outcome: Success(nil)}, t0)
	assert.Empty(t, fx)

	_, fx = step(t, j, ItemReported{WorkerID: "w-1", Index: intPtr(1), Outcome: Success(nil)}, t0)
	assert.Empty(t, fx)

	next, _ := step(t, j, ItemReported{WorkerID: "w-1", Index: intPtr(0), Outcome: Failure("already_connected", nil)}, t0)
	assert.Equal(t, 1, next.CurrentIndex)
}

func TestReset(t *testing.T) {
	j := started(t, []string{"p1", "p2"}, 0)

	_, _, err := Transition(j, Reset{}, t0, DefaultTimings())
	assert.ErrorIs(t, err, ErrRunning)

	j, _ = step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, t0)
	j, _ = step(t, j, Stop{}, t0)
	j, _ = step(t, j, Reset{}, t0)

	assert.Equal(t, 0, j.CurrentIndex)
	assert.Equal(t, 0, j.ResumeIndex)
	assert.Equal(t, StateIdle, j.State)
	assert.Equal(t, []string{"p1", "p2"}, j.Items)
	assert.Equal(t, "Ready", j.Status().Status)
}

func TestMilestoneNotifications(t *testing.T) {
	items := []string{"p1", "p2", "p3", "p4", "p5", "p6"}
	j, _ := step(t, New(), Start{Items: items}, t0)

	var milestones []string
	for i := 0; i < len(items); i++ {
		j, _ = step(t, j, WorkerAcquired{Seq: j.Seq, WorkerID: "w-1"}, t0)
		var fx []Effect
		j, fx = step(t, j, ItemReported{WorkerID: "w-1", Outcome: Success(nil)}, t0)
		for _, n := range find[Notify](fx) {
			milestones = append(milestones, n.Notification.Message)
		}
		if j.Running {
			j, _ = step(t, j, DelayElapsed{Seq: j.Seq}, t0)
		}
	}

	assert.Equal(t, []string{
		"Processed 5/6 profiles",
		"Completed sending connections to 6 profiles!",
	}, milestones)
}

func TestNotificationsDisabled(t *testing.T) {
	j := New()
	j.Settings.Notifications = false

	j, fx := step(t, j, Start{Items: []string{"p1"}}, t0)
	assert.Empty(t, find[Notify](fx))

	j, _ = step(t, j, WorkerAcquired{Seq: j.Seq, WorkerID: "w-1"}, t0)
	_, fx = step(t, j, ItemReported{Outcome: Success(nil)}, t0)
	assert.Empty(t, find[Notify](fx))
}

func TestCursorNeverDecreasesWhileRunning(t *testing.T) {
	j := started(t, []string{"p1", "p2", "p3", "p4"}, 0)
	last := j.CurrentIndex
	now := t0

	events := []func(Job) Event{
		func(j Job) Event { return HeartbeatTick{Gen: j.RunGen} },
		func(j Job) Event { return WatchdogTick{Gen: j.RunGen} },
		func(j Job) Event { return DeadlineExpired{Seq: j.Seq} },
		func(j Job) Event { return DelayElapsed{Seq: j.Seq} },
		func(j Job) Event { return WorkerAcquired{Seq: j.Seq, WorkerID: "w-1"} },
		func(j Job) Event { return ItemReported{WorkerID: "w-1", Outcome: Success(nil)} },
	}
	for i := 0; i < 40 && j.Running; i++ {
		now = now.Add(4 * time.Minute)
		j, _ = step(t, j, events[i%len(events)](j), now)
		require.GreaterOrEqual(t, j.CurrentIndex, last)
		last = j.CurrentIndex
	}
	assert.Equal(t, StateCompleted, j.State)
	assert.Equal(t, 4, j.CurrentIndex)
}

func TestResume(t *testing.T) {
	j := succeed(t, started(t, []string{"p1", "p2", "p3"}, 0), t0)
	require.Equal(t, 1, j.CurrentIndex)

	resumed, fx := step(t, j, Resume{}, t0.Add(time.Hour))
	assert.True(t, resumed.Running)
	assert.Equal(t, j.RunGen+1, resumed.RunGen)
	assert.Equal(t, []Acquire{{Seq: resumed.Seq, WorkerID: "w-1", URL: "p2"}}, find[Acquire](fx))

	j.Settings.AutoResume = false
	paused, fx := step(t, j, Resume{}, t0.Add(time.Hour))
	assert.False(t, paused.Running)
	assert.Equal(t, StateStopped, paused.State)
	assert.Equal(t, 1, paused.ResumeIndex)
	assert.Empty(t, find[Acquire](fx))
}

func TestStatusText(t *testing.T) {
	cases := []struct {
		job  Job
		want string
	}{
		{Job{Items: []string{"a", "b"}}, "Ready"},
		{Job{Items: []string{"a", "b"}, Running: true, CurrentIndex: 1}, "Processing 2/2 profiles"},
		{Job{Items: []string{"a", "b"}, State: StateStopped, CurrentIndex: 1}, "Paused at 1/2 profiles"},
		{Job{Items: []string{"a", "b"}, State: StateCompleted, CurrentIndex: 2}, "Completed 2/2 profiles"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.job.Status().Status)
	}
	assert.Equal(t, 0, Job{}.Status().ProgressPercent)
	assert.Equal(t, 67, Job{Items: []string{"a", "b", "c"}, CurrentIndex: 2}.Status().ProgressPercent)
}
