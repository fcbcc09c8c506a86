package analytics

import (
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/connpro/orchestrator/internal/db"
	"github.com/connpro/orchestrator/internal/job"
)

const (
	namespace  = "connpro/"
	tallyKey   = "analytics/tally"
	dateLayout = "2006-01-02"
)

type DayCount struct {
	Sent       int `json:"sent"`
	Successful int `json:"successful"`
}

type TemplateCount struct {
	Sent       int `json:"sent"`
	Successful int `json:"successful"`
}

// Tally is the running outcome count across every job.
type Tally struct {
	StartTime  *time.Time               `json:"start_time,omitempty"`
	EndTime    *time.Time               `json:"end_time,omitempty"`
	Successful int                      `json:"successful"`
	Failed     int                      `json:"failed"`
	TotalSent  int                      `json:"total_sent"`
	ErrorTypes map[string]int           `json:"error_types"`
	Recoveries map[string]int           `json:"recoveries"`
	ByDate     map[string]DayCount      `json:"by_date"`
	ByTemplate map[string]TemplateCount `json:"by_template"`
}

func newTally() Tally {
	return Tally{
		ErrorTypes: make(map[string]int),
		Recoveries: make(map[string]int),
		ByDate:     make(map[string]DayCount),
		ByTemplate: make(map[string]TemplateCount),
	}
}

func (t Tally) clone() Tally {
	c := t
	c.ErrorTypes = maps.Clone(t.ErrorTypes)
	c.Recoveries = maps.Clone(t.Recoveries)
	c.ByDate = maps.Clone(t.ByDate)
	c.ByTemplate = maps.Clone(t.ByTemplate)
	if t.StartTime != nil {
		st := *t.StartTime
		c.StartTime = &st
	}
	if t.EndTime != nil {
		et := *t.EndTime
		c.EndTime = &et
	}
	return c
}

// SuccessRate is the share of processed items that succeeded, in percent.
func (t Tally) SuccessRate() float64 {
	if t.TotalSent == 0 {
		return 0
	}
	return float64(t.Successful) / float64(t.TotalSent) * 100
}

func (t *Tally) add(rec job.OutcomeRecord) {
	ok := rec.Outcome.Kind == job.OutcomeSuccess
	date := rec.At.UTC().Format(dateLayout)

	t.TotalSent++
	day := t.ByDate[date]
	day.Sent++
	tpl := t.ByTemplate[rec.TemplateID]
	tpl.Sent++

	if ok {
		t.Successful++
		day.Successful++
		tpl.Successful++
	} else {
		t.Failed++
		reason := rec.Outcome.Reason
		if reason == "" {
			reason = string(rec.Outcome.Kind)
		}
		t.ErrorTypes[reason]++
	}

	t.ByDate[date] = day
	t.ByTemplate[rec.TemplateID] = tpl
}

// Recorder keeps the tally in memory and writes it through to the store
// after every change. A nil store keeps it in memory only.
type Recorder struct {
	mu    sync.Mutex
	store *db.Store
	tally Tally
}

func NewRecorder(store *db.Store) (*Recorder, error) {
	r := &Recorder{store: store, tally: newTally()}
	if store == nil {
		return r, nil
	}

	var saved Tally
	err := store.GetJSON(namespace, tallyKey, &saved)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load analytics: %w", err)
	default:
		r.tally = merge(newTally(), saved)
	}
	return r, nil
}

// merge fills nil maps of a tally decoded from an older record.
func merge(base, saved Tally) Tally {
	if saved.ErrorTypes == nil {
		saved.ErrorTypes = base.ErrorTypes
	}
	if saved.Recoveries == nil {
		saved.Recoveries = base.Recoveries
	}
	if saved.ByDate == nil {
		saved.ByDate = base.ByDate
	}
	if saved.ByTemplate == nil {
		saved.ByTemplate = base.ByTemplate
	}
	return saved
}

func (r *Recorder) RecordOutcome(rec job.OutcomeRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tally.add(rec)
	return r.save()
}

func (r *Recorder) RecordRecovery(reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tally.Recoveries[reason]++
	return r.save()
}

// MarkStart records the first time any job was started.
func (r *Recorder) MarkStart(at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.tally.StartTime != nil {
		return nil
	}
	at = at.UTC()
	r.tally.StartTime = &at
	return r.save()
}

func (r *Recorder) MarkEnd(at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	at = at.UTC()
	r.tally.EndTime = &at
	return r.save()
}

func (r *Recorder) Snapshot() Tally {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.tally.clone()
}

// Clear drops every counter.
func (r *Recorder) Clear() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tally = newTally()
	return r.save()
}

func (r *Recorder) save() error {
	if r.store == nil {
		return nil
	}
	if err := r.store.SetJSON(namespace, tallyKey, r.tally); err != nil {
		return fmt.Errorf("store analytics: %w", err)
	}
	return nil
}
