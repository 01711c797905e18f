package domain

import (
	"time"

	"github.com/google/uuid"
)

// NodeType enumerates every node kind the interpreter executes.
type NodeType string

const (
	NodeStart              NodeType = "start"
	NodeMessage            NodeType = "message"
	NodeQuestion           NodeType = "question"
	NodeCondition          NodeType = "condition"
	NodeAction             NodeType = "action"
	NodeAPICall            NodeType = "api_call"
	NodeAIPrompt           NodeType = "ai_prompt"
	NodeJumpToFlow         NodeType = "jump_to_flow"
	NodeHandoff            NodeType = "handoff"
	NodeEnd                NodeType = "end"
	NodeInteractiveButtons NodeType = "interactive_buttons"
	NodeInteractiveList    NodeType = "interactive_list"
)

// Flow is one published chatbot graph. Conversations reference flows by ID;
// editing a published flow requires a new version, so a running conversation
// never sees its graph change underneath it.
type Flow struct {
	ID             uuid.UUID
	OrganizationID uuid.UUID
	Name           string
	IsActive       bool
	// TriggerKeywords start this flow on a matching first inbound message.
	TriggerKeywords []string
	// IsDefault marks the flow used when no keyword matches.
	IsDefault bool
	Canvas    CanvasData

	Inactivity   InactivitySettings
	WindowExpiry WindowExpirySettings

	// FallbackDepartmentID receives the conversation when a node fails
	// terminally and no error edge exists.
	FallbackDepartmentID *uuid.UUID

	CreatedAt time.Time
	UpdatedAt time.Time
}

// CanvasData is the stored graph. SchemaVersion lets old flows be read
// forever; unknown node types execute as no-ops with a warning.
type CanvasData struct {
	SchemaVersion int    `json:"schema_version"`
	Nodes         []Node `json:"nodes"`
	Edges         []Edge `json:"edges"`
}

const CanvasSchemaVersion = 1

// Node is one executable step. Data carries the per-type payload; fields
// outside the node's type group are ignored.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`
	Data NodeData `json:"data"`
}

// NodeData is the flattened per-type payload.
type NodeData struct {
	// message / question / interactive body. Supports {{variable}} templates.
	Text string `json:"text,omitempty"`

	// message media
	MediaURL string `json:"media_url,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Caption  string `json:"caption,omitempty"`

	// question
	Variable     string `json:"variable,omitempty"`
	Validation   string `json:"validation,omitempty"` // none, number, email, regex
	ValidationRe string `json:"validation_regex,omitempty"`
	RetryMessage string `json:"retry_message,omitempty"`
	MaxRetries   int    `json:"max_retries,omitempty"`

	// condition
	ConditionVariable string `json:"condition_variable,omitempty"`

	// action
	ActionType  string `json:"action_type,omitempty"` // set_variable, tag_contact, deactivate_bot
	ActionName  string `json:"action_name,omitempty"`
	ActionValue string `json:"action_value,omitempty"`

	// api_call
	Method          string            `json:"method,omitempty"`
	URL             string            `json:"url,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	Body            string            `json:"body,omitempty"`
	TimeoutSeconds  int               `json:"timeout_seconds,omitempty"`
	ResponseMapping map[string]string `json:"response_mapping,omitempty"` // variable -> dotted JSON path
	StatusVariable  string            `json:"status_variable,omitempty"`

	// ai_prompt
	Prompt         string `json:"prompt,omitempty"`
	ReplyVariable  string `json:"reply_variable,omitempty"`
	SystemContext  string `json:"system_context,omitempty"`

	// jump_to_flow
	TargetFlowID string `json:"target_flow_id,omitempty"`
	// PassVariables carries context variables into the target flow. With a
	// VariableMapping, the mapped set replaces the map wholesale; without
	// one, the full map passes through.
	PassVariables   bool              `json:"pass_variables,omitempty"`
	VariableMapping map[string]string `json:"variable_mapping,omitempty"` // target var -> source expression

	// handoff
	DepartmentID string `json:"department_id,omitempty"`
	Priority     bool   `json:"priority,omitempty"`

	// interactive
	Buttons        []ButtonOption `json:"buttons,omitempty"`
	ListHeader     string         `json:"list_header,omitempty"`
	ListButtonText string         `json:"list_button_text,omitempty"`
	Sections       []ListSection  `json:"sections,omitempty"`

	// end
	ClosingMessage string `json:"closing_message,omitempty"`
}

type ButtonOption struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

type ListSection struct {
	Title string    `json:"title,omitempty"`
	Rows  []ListRow `json:"rows"`
}

type ListRow struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Edge connects two nodes. Condition edges are evaluated in order; the
// default edge fires when none match.
type Edge struct {
	From           string `json:"from"`
	To             string `json:"to"`
	Label          string `json:"label,omitempty"`
	ConditionType  string `json:"condition_type,omitempty"` // equal, contains, greater, less, default, error
	ConditionValue string `json:"condition_value,omitempty"`
}

// InactivitySettings drive the watchdog's per-flow policy. A zero
// WarningAtMinutes disables the warning; ReminderMessage falls back to
// WarningMessage for the send_reminder action.
type InactivitySettings struct {
	Enabled          bool   `json:"enabled"`
	TimeoutMinutes   int    `json:"timeout_minutes"`
	WarningAtMinutes int    `json:"send_warning_at_minutes,omitempty"`
	WarningMessage   string `json:"warning_message,omitempty"`
	ClosingMessage   string `json:"closing_message,omitempty"`
	// Action on timeout: transfer, close, send_reminder, fallback_flow.
	Action             string `json:"action,omitempty"`
	ReminderMessage    string `json:"reminder_message,omitempty"`
	TargetDepartmentID string `json:"target_department_id,omitempty"`
	FallbackFlowID     string `json:"fallback_flow_id,omitempty"`
}

// WindowExpirySettings decide what the watchdog does around a conversation's
// 24-hour window closing mid-flow.
type WindowExpirySettings struct {
	// WarningAtHours sends the configured template while the window is still
	// open but within this many hours of expiring. Zero disables the warning.
	WarningAtHours int `json:"warning_at_hours,omitempty"`
	// Action at expiry: wait_customer, close, send_template, transfer.
	Action             string   `json:"action,omitempty"`
	TargetDepartmentID string   `json:"target_department_id,omitempty"`
	TemplateName       string   `json:"template_name,omitempty"`
	TemplateLanguage   string   `json:"template_language,omitempty"`
	TemplateParams     []string `json:"template_params,omitempty"`
}

// StartNode returns the graph's single entry node.
func (c *CanvasData) StartNode() (*Node, bool) {
	for i := range c.Nodes {
		if c.Nodes[i].Type == NodeStart {
			return &c.Nodes[i], true
		}
	}
	return nil, false
}

// NodeByID returns the node with the given id.
func (c *CanvasData) NodeByID(id string) (*Node, bool) {
	for i := range c.Nodes {
		if c.Nodes[i].ID == id {
			return &c.Nodes[i], true
		}
	}
	return nil, false
}

// EdgesFrom returns the outgoing edges of a node in stored order.
func (c *CanvasData) EdgesFrom(id string) []Edge {
	var out []Edge
	for _, e := range c.Edges {
		if e.From == id {
			out = append(out, e)
		}
	}
	return out
}
