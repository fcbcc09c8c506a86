package browser

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusIdle Status = "idle"
	StatusBusy Status = "busy"
)

type Capabilities struct {
	DryRun  bool `json:"dry_run"`
	MaxTabs int  `json:"max_tabs"`
}

// Agent is a connected browser agent and the tabs it has open for us.
type Agent struct {
	ID             string            `json:"id"`
	ConnectedAt    time.Time         `json:"connected_at"`
	LastHeartbeat  time.Time         `json:"last_heartbeat"`
	Status         Status            `json:"status"`
	Tabs           map[string]string `json:"tabs"`
	ItemsSucceeded int               `json:"items_succeeded"`
	ItemsFailed    int               `json:"items_failed"`
	Capabilities   Capabilities      `json:"capabilities"`
	UserAgent      string            `json:"user_agent,omitempty"`
}

func New() *Agent {
	now := time.Now().UTC()
	return &Agent{
		ID:            uuid.NewString(),
		ConnectedAt:   now,
		LastHeartbeat: now,
		Status:        StatusIdle,
		Tabs:          make(map[string]string),
		Capabilities:  Capabilities{MaxTabs: 1},
	}
}

func (a *Agent) UpdateHeartbeat() {
	a.LastHeartbeat = time.Now().UTC()
}

func (a *Agent) clone() *Agent {
	c := *a
	c.Tabs = maps.Clone(a.Tabs)
	return &c
}

func (a *Agent) refreshStatus() {
	if len(a.Tabs) > 0 {
		a.Status = StatusBusy
	} else {
		a.Status = StatusIdle
	}
}
