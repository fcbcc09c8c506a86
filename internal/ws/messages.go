package ws

import (
	"encoding/json"
	"time"

	"github.com/connpro/orchestrator/internal/browser"
	"github.com/connpro/orchestrator/internal/job"
)

const (
	TypeAck       = "ack"
	TypeReady     = "ready"
	TypeHeartbeat = "heartbeat"
	TypeQuit      = "quit"
	TypeRequest   = "request"
	TypeResponse  = "response"

	TypeItemSucceeded = "item_succeeded"
	TypeItemFailed    = "item_failed"
	TypeHeartbeatAck  = "heartbeat_ack"
	TypeTabClosed     = "tab_closed"

	TypeStatus       = "status"
	TypeNotification = "notification"
)

// Request operations the server asks an agent to perform.
const (
	OpCreateTab = "create_tab"
	OpNavigate  = "navigate"
	OpSend      = "send"
	OpExists    = "exists"
	OpCloseTab  = "close_tab"
)

type BaseMessage struct {
	Type string `json:"type"`
}

// Agent → Orchestrator

type ReadyMessage struct {
	Type         string                `json:"type"`
	Capabilities *browser.Capabilities `json:"capabilities,omitempty"`
}

type HeartbeatMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp,omitempty"`
}

type ResponseMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	TabID     string `json:"tab_id,omitempty"`
	Exists    bool   `json:"exists,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ItemMessage reports the outcome of a sendConnection action.
type ItemMessage struct {
	Type    string       `json:"type"`
	TabID   string       `json:"tab_id"`
	Index   *int         `json:"index,omitempty"`
	Reason  string       `json:"reason,omitempty"`
	Profile *job.Profile `json:"profile,omitempty"`
}

// TabMessage carries heartbeat_ack and tab_closed.
type TabMessage struct {
	Type  string `json:"type"`
	TabID string `json:"tab_id"`
}

// Orchestrator → Agent

type AckMessage struct {
	Type    string `json:"type"`
	AgentID string `json:"agent_id"`
	Message string `json:"message"`
}

type RequestMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id"`
	Op        string          `json:"op"`
	TabID     string          `json:"tab_id,omitempty"`
	URL       string          `json:"url,omitempty"`
	Action    string          `json:"action,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Orchestrator → Observer

type StatusMessage struct {
	Type   string     `json:"type"`
	Status job.Status `json:"status"`
}

type NotificationMessage struct {
	Type         string           `json:"type"`
	Notification job.Notification `json:"notification"`
}
