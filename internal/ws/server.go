package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/connpro/orchestrator/internal/browser"
	"github.com/connpro/orchestrator/internal/job"
)

var (
	ErrNoAgent     = errors.New("no browser agent connected")
	ErrUnknownTab  = errors.New("unknown tab")
	ErrAgentClosed = errors.New("agent disconnected")
	ErrTabConflict = errors.New("tab id already held by another agent")
)

// Reporter receives what agents report about the tabs they drive.
type Reporter interface {
	ItemSucceeded(workerID string, index *int, p *job.Profile)
	ItemFailed(workerID string, index *int, reason string, p *job.Profile)
	HeartbeatReply(workerID string)
	WorkerClosed(workerID string)
}

type agentConn struct {
	id   string
	conn *websocket.Conn

	mu      sync.Mutex
	pending map[string]chan ResponseMessage
	closed  bool
}

// Bridge drives browser agents connected on /ws/agent. It implements
// job.Surface by turning each call into a request the agent answers.
type Bridge struct {
	agents *browser.Manager
	logger *slog.Logger

	connsMu sync.RWMutex
	conns   map[string]*agentConn

	reporterMu sync.RWMutex
	reporter   Reporter

	writeTimeout time.Duration
}

func NewBridge(agents *browser.Manager, logger *slog.Logger) *Bridge {
	return &Bridge{
		agents:       agents,
		logger:       logger.With("component", "ws"),
		conns:        make(map[string]*agentConn),
		writeTimeout: 5 * time.Second,
	}
}

// SetReporter wires agent reports to r. Reports that arrive before a
// reporter is set are dropped.
func (b *Bridge) SetReporter(r Reporter) {
	b.reporterMu.Lock()
	defer b.reporterMu.Unlock()
	b.reporter = r
}

func (b *Bridge) report(f func(Reporter)) {
	b.reporterMu.RLock()
	r := b.reporter
	b.reporterMu.RUnlock()
	if r != nil {
		f(r)
	}
}

func (b *Bridge) CreateWorker(ctx context.Context, url string) (string, error) {
	agent, ok := b.agents.Current()
	if !ok {
		return "", ErrNoAgent
	}
	resp, err := b.request(ctx, agent.ID, RequestMessage{Op: OpCreateTab, URL: url})
	if err != nil {
		return "", err
	}
	if resp.TabID == "" {
		return "", fmt.Errorf("agent %s returned no tab id", agent.ID)
	}
	// Surface calls route by tab id alone, so ids must be unique across agents.
	if owner, held := b.agents.Owner(resp.TabID); held && owner != agent.ID {
		b.logger.Warn("agent reused a tab id", "agent", agent.ID, "tab", resp.TabID, "owner", owner)
		return "", fmt.Errorf("%s: %w", resp.TabID, ErrTabConflict)
	}
	b.agents.OpenTab(agent.ID, resp.TabID, url)
	return resp.TabID, nil
}

func (b *Bridge) Navigate(ctx context.Context, tab, url string) error {
	owner, ok := b.agents.Owner(tab)
	if !ok {
		return fmt.Errorf("%s: %w", tab, ErrUnknownTab)
	}
	if _, err := b.request(ctx, owner, RequestMessage{Op: OpNavigate, TabID: tab, URL: url}); err != nil {
		return err
	}
	b.agents.OpenTab(owner, tab, url)
	return nil
}

func (b *Bridge) Send(ctx context.Context, tab, action string, payload any) error {
	owner, ok := b.agents.Owner(tab)
	if !ok {
		return fmt.Errorf("%s: %w", tab, ErrUnknownTab)
	}
	req := RequestMessage{Op: OpSend, TabID: tab, Action: action}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", action, err)
		}
		req.Payload = data
	}
	_, err := b.request(ctx, owner, req)
	return err
}

func (b *Bridge) Exists(ctx context.Context, tab string) bool {
	owner, ok := b.agents.Owner(tab)
	if !ok {
		return false
	}
	resp, err := b.request(ctx, owner, RequestMessage{Op: OpExists, TabID: tab})
	if err != nil {
		b.logger.Debug("tab probe failed", "tab", tab, "err", err)
		return false
	}
	if !resp.Exists {
		b.agents.CloseTab(owner, tab)
	}
	return resp.Exists
}

func (b *Bridge) Destroy(ctx context.Context, tab string) error {
	owner, ok := b.agents.Owner(tab)
	if !ok {
		return nil
	}
	b.agents.CloseTab(owner, tab)
	_, err := b.request(ctx, owner, RequestMessage{Op: OpCloseTab, TabID: tab})
	return err
}

func (b *Bridge) request(ctx context.Context, agentID string, req RequestMessage) (ResponseMessage, error) {
	b.connsMu.RLock()
	ac, ok := b.conns[agentID]
	b.connsMu.RUnlock()
	if !ok {
		return ResponseMessage{}, fmt.Errorf("%s: %w", agentID, ErrAgentClosed)
	}

	req.Type = TypeRequest
	req.RequestID = uuid.NewString()
	ch := make(chan ResponseMessage, 1)

	ac.mu.Lock()
	if ac.closed {
		ac.mu.Unlock()
		return ResponseMessage{}, fmt.Errorf("%s: %w", agentID, ErrAgentClosed)
	}
	ac.pending[req.RequestID] = ch
	ac.mu.Unlock()

	defer func() {
		ac.mu.Lock()
		delete(ac.pending, req.RequestID)
		ac.mu.Unlock()
	}()

	wctx, cancel := context.WithTimeout(ctx, b.writeTimeout)
	err := wsjson.Write(wctx, ac.conn, req)
	cancel()
	if err != nil {
		return ResponseMessage{}, fmt.Errorf("%s to %s: %w", req.Op, agentID, err)
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return ResponseMessage{}, fmt.Errorf("%s: %w", agentID, ErrAgentClosed)
		}
		if resp.Error != "" {
			return resp, fmt.Errorf("%s %s: %s", req.Op, req.TabID, resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return ResponseMessage{}, fmt.Errorf("%s %s: %w", req.Op, req.TabID, ctx.Err())
	}
}

func (b *Bridge) HandleAgent(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.logger.Warn("websocket accept failed", "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	agent := browser.New()
	agent.UserAgent = r.UserAgent()
	b.agents.Add(agent)

	ac := &agentConn{id: agent.ID, conn: conn, pending: make(map[string]chan ResponseMessage)}
	b.connsMu.Lock()
	b.conns[agent.ID] = ac
	b.connsMu.Unlock()

	defer b.disconnect(ac)

	ack := AckMessage{Type: TypeAck, AgentID: agent.ID, Message: "Welcome!"}
	if err := wsjson.Write(r.Context(), conn, ack); err != nil {
		b.logger.Warn("send ack failed", "agent", agent.ID, "err", err)
		return
	}

	b.handleMessages(r.Context(), ac)
}

func (b *Bridge) disconnect(ac *agentConn) {
	b.connsMu.Lock()
	delete(b.conns, ac.id)
	b.connsMu.Unlock()

	ac.mu.Lock()
	ac.closed = true
	for id, ch := range ac.pending {
		close(ch)
		delete(ac.pending, id)
	}
	ac.mu.Unlock()

	for _, tab := range b.agents.Remove(ac.id) {
		b.report(func(r Reporter) { r.WorkerClosed(tab) })
	}
}

func (b *Bridge) handleMessages(ctx context.Context, ac *agentConn) {
	log := b.logger.With("agent", ac.id)
	for {
		_, data, err := ac.conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != websocket.StatusNormalClosure {
				log.Debug("websocket read ended", "err", err)
			}
			return
		}

		var msg BaseMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn("invalid message format", "err", err)
			continue
		}

		switch msg.Type {
		case TypeReady:
			var ready ReadyMessage
			if err := json.Unmarshal(data, &ready); err != nil {
				log.Warn("invalid ready message", "err", err)
				continue
			}
			if ready.Capabilities != nil {
				b.agents.SetCapabilities(ac.id, *ready.Capabilities)
			}
			log.Info("agent ready")

		case TypeHeartbeat:
			b.agents.Touch(ac.id)
			hb := HeartbeatMessage{Type: TypeHeartbeat, Timestamp: time.Now().UTC()}
			if err := wsjson.Write(ctx, ac.conn, hb); err != nil {
				log.Debug("heartbeat reply failed", "err", err)
			}

		case TypeResponse:
			var resp ResponseMessage
			if err := json.Unmarshal(data, &resp); err != nil {
				log.Warn("invalid response message", "err", err)
				continue
			}
			ac.mu.Lock()
			ch, ok := ac.pending[resp.RequestID]
			delete(ac.pending, resp.RequestID)
			ac.mu.Unlock()
			if !ok {
				log.Debug("response for unknown request", "request_id", resp.RequestID)
				continue
			}
			ch <- resp

		case TypeItemSucceeded, TypeItemFailed:
			var item ItemMessage
			if err := json.Unmarshal(data, &item); err != nil {
				log.Warn("invalid item message", "err", err)
				continue
			}
			b.agents.Touch(ac.id)
			if !b.agents.Owns(ac.id, item.TabID) {
				log.Debug("item report for a tab this agent does not hold", "tab", item.TabID)
				continue
			}
			ok := msg.Type == TypeItemSucceeded
			b.agents.RecordResult(ac.id, item.TabID, ok)
			b.report(func(r Reporter) {
				if ok {
					r.ItemSucceeded(item.TabID, item.Index, item.Profile)
				} else {
					r.ItemFailed(item.TabID, item.Index, item.Reason, item.Profile)
				}
			})

		case TypeHeartbeatAck:
			var tm TabMessage
			if err := json.Unmarshal(data, &tm); err != nil {
				continue
			}
			b.agents.Touch(ac.id)
			if !b.agents.Owns(ac.id, tm.TabID) {
				continue
			}
			b.report(func(r Reporter) { r.HeartbeatReply(tm.TabID) })

		case TypeTabClosed:
			var tm TabMessage
			if err := json.Unmarshal(data, &tm); err != nil {
				continue
			}
			if !b.agents.CloseTab(ac.id, tm.TabID) {
				log.Debug("close report for a tab this agent does not hold", "tab", tm.TabID)
				continue
			}
			log.Info("tab closed by agent", "tab", tm.TabID)
			b.report(func(r Reporter) { r.WorkerClosed(tm.TabID) })

		case TypeQuit:
			log.Info("agent quit")
			return

		default:
			log.Warn("unknown message type", "type", msg.Type)
		}
	}
}

var _ job.Surface = (*Bridge)(nil)

// MonitorAgents closes agents that have gone quiet for longer than timeout.
// Their tabs are reported closed as the connection unwinds.
func (b *Bridge) MonitorAgents(ctx context.Context, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, id := range b.agents.Stale(now.Add(-timeout)) {
				b.connsMu.RLock()
				ac, ok := b.conns[id]
				b.connsMu.RUnlock()
				if !ok {
					continue
				}
				b.logger.Warn("agent missed heartbeats, closing", "agent", id)
				ac.conn.Close(websocket.StatusPolicyViolation, "heartbeat timeout")
			}
		}
	}
}
