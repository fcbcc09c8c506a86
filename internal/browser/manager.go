package browser

import (
	"log/slog"
	"sync"
	"time"
)

type Stats struct {
	Connected int `json:"connected"`
	Idle      int `json:"idle"`
	Busy      int `json:"busy"`
	OpenTabs  int `json:"open_tabs"`
}

// Manager tracks connected agents and which agent owns each tab. Callers
// only ever see copies.
type Manager struct {
	mu     sync.RWMutex
	agents map[string]*Agent
	logger *slog.Logger
}

func NewManager(logger *slog.Logger) *Manager {
	return &Manager{
		agents: make(map[string]*Agent),
		logger: logger.With("component", "browser"),
	}
}

func (m *Manager) Add(a *Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.Tabs == nil {
		a.Tabs = make(map[string]string)
	}
	m.agents[a.ID] = a
	m.logger.Info("agent connected", "agent", a.ID, "total", len(m.agents))
}

// Remove drops the agent and returns the tabs it still had open.
func (m *Manager) Remove(id string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil
	}
	delete(m.agents, id)
	m.logger.Info("agent disconnected", "agent", id, "total", len(m.agents))

	tabs := make([]string, 0, len(a.Tabs))
	for tab := range a.Tabs {
		tabs = append(tabs, tab)
	}
	return tabs
}

func (m *Manager) Get(id string) (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, false
	}
	return a.clone(), true
}

// Current is the most recently connected agent.
func (m *Manager) Current() (*Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var latest *Agent
	for _, a := range m.agents {
		if latest == nil || a.ConnectedAt.After(latest.ConnectedAt) {
			latest = a
		}
	}
	if latest == nil {
		return nil, false
	}
	return latest.clone(), true
}

func (m *Manager) List() []*Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Agent, 0, len(m.agents))
	for _, a := range m.agents {
		out = append(out, a.clone())
	}
	return out
}

func (m *Manager) SetCapabilities(id string, c Capabilities) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.Capabilities = c
	}
}

func (m *Manager) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.agents[id]; ok {
		a.UpdateHeartbeat()
	}
}

// OpenTab records tab as owned by agent id, pointing at url.
func (m *Manager) OpenTab(id, tab, url string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return
	}
	a.Tabs[tab] = url
	a.refreshStatus()
}

// CloseTab drops tab from agent id. It reports whether id held it.
func (m *Manager) CloseTab(id, tab string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return false
	}
	if _, owns := a.Tabs[tab]; !owns {
		return false
	}
	delete(a.Tabs, tab)
	a.refreshStatus()
	return true
}

// Owns reports whether agent id holds tab.
func (m *Manager) Owns(id, tab string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	if !ok {
		return false
	}
	_, owns := a.Tabs[tab]
	return owns
}

// Owner returns the agent holding tab.
func (m *Manager) Owner(tab string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id, a := range m.agents {
		if _, ok := a.Tabs[tab]; ok {
			return id, true
		}
	}
	return "", false
}

func (m *Manager) RecordResult(id, tab string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, found := m.agents[id]
	if !found {
		return
	}
	if _, owns := a.Tabs[tab]; !owns {
		return
	}
	if ok {
		a.ItemsSucceeded++
	} else {
		a.ItemsFailed++
	}
}

// Stale lists agents that have not been heard from since before cutoff.
func (m *Manager) Stale(cutoff time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []string
	for id, a := range m.agents {
		if a.LastHeartbeat.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	return ids
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var s Stats
	s.Connected = len(m.agents)
	for _, a := range m.agents {
		switch a.Status {
		case StatusIdle:
			s.Idle++
		case StatusBusy:
			s.Busy++
		}
		s.OpenTabs += len(a.Tabs)
	}
	return s
}
