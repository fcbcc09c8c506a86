package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/connpro/orchestrator/internal/browser"
	"github.com/connpro/orchestrator/internal/job"
	"github.com/connpro/orchestrator/internal/templates"
	"github.com/connpro/orchestrator/internal/ws"
)

// Agent is a dry-run browser agent. Tabs are simulated, and the connect
// action is an HTTP GET of the tab's URL.
type Agent struct {
	url    string
	id     string
	http   *resty.Client
	logger *slog.Logger

	reconnectDelay    time.Duration
	heartbeatInterval time.Duration

	mu        sync.Mutex
	tabs      map[string]string
	succeeded int
	failed    int
}

type Option func(*Agent)

func WithHTTPClient(c *resty.Client) Option {
	return func(a *Agent) { a.http = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(a *Agent) { a.logger = l }
}

func WithReconnectDelay(d time.Duration) Option {
	return func(a *Agent) { a.reconnectDelay = d }
}

func New(url string, opts ...Option) *Agent {
	client := resty.New()
	client.SetHeader("user-agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36")
	client.SetTimeout(30 * time.Second)

	a := &Agent{
		url:               url,
		http:              client,
		logger:            slog.Default(),
		reconnectDelay:    5 * time.Second,
		heartbeatInterval: 30 * time.Second,
		tabs:              make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "agent")
	return a
}

// Counts returns how many items this agent reported as succeeded and failed.
func (a *Agent) Counts() (succeeded, failed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.succeeded, a.failed
}

func (a *Agent) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			if err := a.connect(ctx); err != nil {
				a.logger.Warn("connection error, reconnecting", "err", err, "in", a.reconnectDelay)
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(a.reconnectDelay):
				}
			}
		}
	}
}

func (a *Agent) connect(ctx context.Context) error {
	a.logger.Info("connecting", "url", a.url)

	conn, _, err := websocket.Dial(ctx, a.url, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "goodbye")

	var ack ws.AckMessage
	if err := wsjson.Read(ctx, conn, &ack); err != nil {
		return fmt.Errorf("read ack: %w", err)
	}
	a.id = ack.AgentID
	a.logger.Info("connected", "agent", a.id)

	// Tabs from an earlier connection are gone on the server side.
	a.mu.Lock()
	a.tabs = make(map[string]string)
	a.mu.Unlock()

	ready := ws.ReadyMessage{
		Type:         ws.TypeReady,
		Capabilities: &browser.Capabilities{DryRun: true, MaxTabs: 4},
	}
	if err := wsjson.Write(ctx, conn, ready); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.heartbeat(connCtx, conn)

	return a.messageLoop(connCtx, conn)
}

func (a *Agent) messageLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		var base ws.BaseMessage
		if err := json.Unmarshal(data, &base); err != nil {
			a.logger.Warn("invalid message", "err", err)
			continue
		}

		switch base.Type {
		case ws.TypeRequest:
			var req ws.RequestMessage
			if err := json.Unmarshal(data, &req); err != nil {
				a.logger.Warn("invalid request", "err", err)
				continue
			}
			resp := a.handleRequest(ctx, conn, req)
			if err := wsjson.Write(ctx, conn, resp); err != nil {
				return fmt.Errorf("send response: %w", err)
			}

		case ws.TypeHeartbeat:
			// Server acknowledged

		default:
			a.logger.Debug("unknown message type", "type", base.Type)
		}
	}
}

func (a *Agent) handleRequest(ctx context.Context, conn *websocket.Conn, req ws.RequestMessage) ws.ResponseMessage {
	resp := ws.ResponseMessage{Type: ws.TypeResponse, RequestID: req.RequestID, TabID: req.TabID}

	a.mu.Lock()
	defer a.mu.Unlock()

	_, open := a.tabs[req.TabID]
	switch req.Op {
	case ws.OpCreateTab:
		resp.TabID = uuid.NewString()
		a.tabs[resp.TabID] = req.URL

	case ws.OpNavigate:
		if !open {
			resp.Error = "no such tab"
			break
		}
		a.tabs[req.TabID] = req.URL

	case ws.OpExists:
		resp.Exists = open

	case ws.OpCloseTab:
		delete(a.tabs, req.TabID)

	case ws.OpSend:
		if !open {
			resp.Error = "no such tab"
			break
		}
		switch req.Action {
		case job.ActionHeartbeat:
			go a.write(ctx, conn, ws.TabMessage{Type: ws.TypeHeartbeatAck, TabID: req.TabID})
		case job.ActionSendConnection:
			var p job.ActionPayload
			if err := json.Unmarshal(req.Payload, &p); err != nil {
				resp.Error = fmt.Sprintf("bad payload: %v", err)
				break
			}
			go a.sendConnection(ctx, conn, req.TabID, p)
		default:
			resp.Error = "unknown action " + req.Action
		}

	default:
		resp.Error = "unknown op " + req.Op
	}
	return resp
}

// sendConnection fetches the profile page and reports the outcome for the
// item at p.Index.
func (a *Agent) sendConnection(ctx context.Context, conn *websocket.Conn, tab string, p job.ActionPayload) {
	profile := profileFromURL(p.URL)
	log := a.logger.With("tab", tab, "index", p.Index, "url", p.URL)
	if p.Note != "" {
		log.Debug("would send note", "note", templates.Render(p.Note, profile))
	}

	index := p.Index
	msg := ws.ItemMessage{TabID: tab, Index: &index, Profile: &profile}

	res, err := a.http.R().SetContext(ctx).Get(p.URL)
	switch {
	case err != nil:
		msg.Type = ws.TypeItemFailed
		msg.Reason = "fetch_error"
		log.Warn("fetch failed", "err", err)
	case !res.IsSuccess():
		msg.Type = ws.TypeItemFailed
		msg.Reason = fmt.Sprintf("http_%d", res.StatusCode())
	default:
		msg.Type = ws.TypeItemSucceeded
	}

	a.mu.Lock()
	if msg.Type == ws.TypeItemSucceeded {
		a.succeeded++
	} else {
		a.failed++
	}
	a.mu.Unlock()

	log.Info("item processed", "outcome", msg.Type, "reason", msg.Reason)
	a.write(ctx, conn, msg)
}

func (a *Agent) write(ctx context.Context, conn *websocket.Conn, msg any) {
	if err := wsjson.Write(ctx, conn, msg); err != nil {
		a.logger.Debug("write failed", "err", err)
	}
}

func (a *Agent) heartbeat(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(a.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			msg := ws.HeartbeatMessage{Type: ws.TypeHeartbeat, Timestamp: time.Now().UTC()}
			if err := wsjson.Write(ctx, conn, msg); err != nil {
				return
			}
		}
	}
}

// profileFromURL derives what a dry run can know about a profile: its
// slug and URL.
func profileFromURL(raw string) job.Profile {
	p := job.Profile{URL: raw}
	u, err := url.Parse(raw)
	if err != nil {
		return p
	}
	slug := path.Base(strings.TrimSuffix(u.Path, "/"))
	if slug == "." || slug == "/" {
		return p
	}
	p.ID = slug
	p.Name = strings.ReplaceAll(slug, "-", " ")
	return p
}
