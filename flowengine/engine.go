package flowengine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	convdomain "github.com/xkayo32/pytake-sub001/conversation/domain"
	"github.com/xkayo32/pytake-sub001/flowengine/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
	"github.com/xkayo32/pytake-sub001/pkg/interpolate"
	"github.com/xkayo32/pytake-sub001/tenancy"
)

// maxSteps bounds one advance across the graph, including jump_to_flow hops.
// A cycle without a blocking node trips this instead of spinning forever.
const maxSteps = 50

// Sender hands a flow-produced message to the outbound pipeline. The engine
// never talks to a channel adapter directly.
type Sender interface {
	EnqueueFlowMessage(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, content convdomain.MessageContent) error
}

// HandoffQueue places a conversation in a department queue.
type HandoffQueue interface {
	Enqueue(ctx context.Context, tc tenancy.TenantCtx, convID uuid.UUID, departmentID *uuid.UUID, priority bool) error
}

// AIResponder answers ai_prompt nodes. Nil disables the node type; it then
// follows its error edge.
type AIResponder interface {
	Respond(ctx context.Context, prompt, systemContext string) (string, error)
}

// Input is the normalized user reply the engine consumes at a blocking node.
type Input struct {
	Text    string
	ReplyID string
}

// Engine interprets flow graphs. It is stateless; every call carries the
// conversation whose cursor anchors execution.
type Engine struct {
	flows      domain.FlowRepository
	convs      convdomain.ConversationRepository
	sender     Sender
	handoff    HandoffQueue
	ai         AIResponder
	httpClient *http.Client
}

func NewEngine(flows domain.FlowRepository, convs convdomain.ConversationRepository, sender Sender, handoff HandoffQueue, ai AIResponder) *Engine {
	return &Engine{
		flows:      flows,
		convs:      convs,
		sender:     sender,
		handoff:    handoff,
		ai:         ai,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// session carries one advance's working state.
type session struct {
	tc    tenancy.TenantCtx
	conv  *convdomain.Conversation
	flow  *domain.Flow
	vars  map[string]any
	steps int
}

// StartFlow begins a flow session from its start node.
func (e *Engine) StartFlow(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, flow *domain.Flow, extraVars map[string]any) error {
	start, ok := flow.Canvas.StartNode()
	if !ok {
		return pkgError.ValidationError("flow has no start node")
	}

	s := &session{
		tc:   tc,
		conv: conv,
		flow: flow,
		vars: interpolate.Merge(conv.ContextVariables, extraVars),
	}

	next := e.followDefaultEdge(s, start.ID)
	if next == "" {
		return e.persistCursor(ctx, s, nil, nil)
	}
	return e.advanceFrom(ctx, s, next)
}

// HandleReply consumes a user reply at the conversation's current blocking
// node and resumes execution.
func (e *Engine) HandleReply(ctx context.Context, tc tenancy.TenantCtx, conv *convdomain.Conversation, input Input) error {
	if !conv.InFlow() {
		return pkgError.ValidationError("conversation has no active flow session")
	}

	flow, err := e.flows.GetByID(ctx, tc, *conv.ActiveFlowID)
	if err != nil {
		return err
	}

	node, ok := flow.Canvas.NodeByID(*conv.CurrentNodeID)
	if !ok {
		// The cursor points into a graph that lost this node. Fail safe to a
		// human.
		logrus.Warnf("[FLOW_ENGINE] cursor node %s missing in flow %s", *conv.CurrentNodeID, flow.ID)
		return e.failToHuman(ctx, &session{tc: tc, conv: conv, flow: flow, vars: interpolate.Merge(conv.ContextVariables)}, "cursor node missing")
	}

	s := &session{
		tc:   tc,
		conv: conv,
		flow: flow,
		vars: interpolate.Merge(conv.ContextVariables),
	}

	switch node.Type {
	case domain.NodeQuestion:
		return e.consumeAnswer(ctx, s, node, input)
	case domain.NodeInteractiveButtons, domain.NodeInteractiveList:
		return e.consumeSelection(ctx, s, node, input)
	default:
		// Unsolicited message while not blocked; restart from the current
		// node so the user sees the prompt again.
		return e.advanceFrom(ctx, s, node.ID)
	}
}

// advanceFrom walks the graph from nodeID until a blocking node, an end node,
// or the step guard.
func (e *Engine) advanceFrom(ctx context.Context, s *session, nodeID string) error {
	current := nodeID
	for {
		s.steps++
		if s.steps > maxSteps {
			logrus.Errorf("[FLOW_ENGINE] step guard tripped flow=%s node=%s", s.flow.ID, current)
			return e.failToHuman(ctx, s, "flow exceeded step limit")
		}

		node, ok := s.flow.Canvas.NodeByID(current)
		if !ok {
			return e.failToHuman(ctx, s, fmt.Sprintf("edge targets unknown node %s", current))
		}

		switch node.Type {
		case domain.NodeMessage:
			if err := e.sendNodeMessage(ctx, s, node); err != nil {
				return err
			}
			current = e.followDefaultEdge(s, node.ID)

		case domain.NodeQuestion:
			if err := e.sendText(ctx, s, node.Data.Text); err != nil {
				return err
			}
			return e.pauseAt(ctx, s, node.ID)

		case domain.NodeInteractiveButtons:
			if err := e.sendButtons(ctx, s, node); err != nil {
				return err
			}
			return e.pauseAt(ctx, s, node.ID)

		case domain.NodeInteractiveList:
			if err := e.sendList(ctx, s, node); err != nil {
				return err
			}
			return e.pauseAt(ctx, s, node.ID)

		case domain.NodeCondition:
			value := interpolate.Stringify(s.vars[node.Data.ConditionVariable])
			current = e.matchEdge(s, node.ID, value)

		case domain.NodeAction:
			e.runAction(s, node)
			current = e.followDefaultEdge(s, node.ID)

		case domain.NodeAPICall:
			next, err := e.runAPICall(ctx, s, node)
			if err != nil {
				return err
			}
			current = next

		case domain.NodeAIPrompt:
			next, err := e.runAIPrompt(ctx, s, node)
			if err != nil {
				return err
			}
			current = next

		case domain.NodeJumpToFlow:
			next, halted, err := e.runJump(ctx, s, node)
			if err != nil {
				return err
			}
			if halted {
				return nil
			}
			current = next

		case domain.NodeHandoff:
			return e.runHandoff(ctx, s, node)

		case domain.NodeEnd:
			if node.Data.ClosingMessage != "" {
				if err := e.sendText(ctx, s, node.Data.ClosingMessage); err != nil {
					return err
				}
			}
			return e.endSession(ctx, s)

		case domain.NodeStart:
			current = e.followDefaultEdge(s, node.ID)

		default:
			logrus.Warnf("[FLOW_ENGINE] unknown node type %q, skipping", node.Type)
			current = e.followDefaultEdge(s, node.ID)
		}

		if current == "" {
			// No outgoing edge: treat as end.
			return e.endSession(ctx, s)
		}
	}
}

func (e *Engine) consumeAnswer(ctx context.Context, s *session, node *domain.Node, input Input) error {
	answer := strings.TrimSpace(input.Text)
	if input.ReplyID != "" {
		answer = input.ReplyID
	}

	if !validateAnswer(node.Data, answer) {
		retriesKey := "_retries_" + node.ID
		retries := int(asFloat(s.vars[retriesKey])) + 1
		maxRetries := node.Data.MaxRetries
		if maxRetries <= 0 {
			maxRetries = 3
		}
		if retries < maxRetries {
			s.vars[retriesKey] = retries
			msg := node.Data.RetryMessage
			if msg == "" {
				msg = node.Data.Text
			}
			if err := e.sendText(ctx, s, msg); err != nil {
				return err
			}
			return e.pauseAt(ctx, s, node.ID)
		}
		// Give up on validation: take the error edge or hand off.
		delete(s.vars, retriesKey)
		if next := e.errorEdge(s, node.ID); next != "" {
			return e.advanceFrom(ctx, s, next)
		}
		return e.failToHuman(ctx, s, "question validation exhausted")
	}

	if node.Data.Variable != "" {
		s.vars[node.Data.Variable] = answer
	}
	delete(s.vars, "_retries_"+node.ID)

	return e.advanceFrom(ctx, s, e.matchEdge(s, node.ID, answer))
}

func (e *Engine) consumeSelection(ctx context.Context, s *session, node *domain.Node, input Input) error {
	selected := input.ReplyID
	if selected == "" {
		// Typed text instead of tapping: match against option titles.
		selected = matchOptionByTitle(node, input.Text)
	}
	if selected == "" {
		if err := e.sendText(ctx, s, node.Data.Text); err != nil {
			return err
		}
		return e.pauseAt(ctx, s, node.ID)
	}

	if node.Data.Variable != "" {
		s.vars[node.Data.Variable] = selected
	}
	return e.advanceFrom(ctx, s, e.matchEdge(s, node.ID, selected))
}

func (e *Engine) runAction(s *session, node *domain.Node) {
	switch node.Data.ActionType {
	case "set_variable":
		s.vars[node.Data.ActionName] = interpolate.RenderExpr(node.Data.ActionValue, s.vars)
	case "tag_contact":
		tags, _ := s.vars["_tags"].([]any)
		s.vars["_tags"] = append(tags, interpolate.Render(node.Data.ActionValue, s.vars))
	case "deactivate_bot":
		s.conv.IsBotActive = false
	default:
		logrus.Warnf("[FLOW_ENGINE] unknown action type %q", node.Data.ActionType)
	}
}

func (e *Engine) runAPICall(ctx context.Context, s *session, node *domain.Node) (string, error) {
	timeout := time.Duration(node.Data.TimeoutSeconds) * time.Second
	if timeout <= 0 || timeout > 30*time.Second {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(node.Data.Method)
	if method == "" {
		method = http.MethodGet
	}
	url := interpolate.Render(node.Data.URL, s.vars)

	var body io.Reader
	if node.Data.Body != "" {
		body = strings.NewReader(interpolate.Render(node.Data.Body, s.vars))
	}

	req, err := http.NewRequestWithContext(callCtx, method, url, body)
	if err != nil {
		return e.apiCallFailed(s, node, fmt.Sprintf("bad request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range node.Data.Headers {
		req.Header.Set(k, interpolate.Render(v, s.vars))
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return e.apiCallFailed(s, node, fmt.Sprintf("request failed: %v", err))
	}
	defer resp.Body.Close()

	if node.Data.StatusVariable != "" {
		s.vars[node.Data.StatusVariable] = resp.StatusCode
	}

	if resp.StatusCode >= 400 {
		return e.apiCallFailed(s, node, fmt.Sprintf("status %d", resp.StatusCode))
	}

	if len(node.Data.ResponseMapping) > 0 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		var parsed any
		if err := json.Unmarshal(respBody, &parsed); err == nil {
			for variable, path := range node.Data.ResponseMapping {
				if v, ok := lookupJSONPath(parsed, path); ok {
					s.vars[variable] = v
				}
			}
		}
	}

	return e.followDefaultEdge(s, node.ID), nil
}

func (e *Engine) apiCallFailed(s *session, node *domain.Node, reason string) (string, error) {
	logrus.Warnf("[FLOW_ENGINE] api_call node %s failed: %s", node.ID, reason)
	if next := e.errorEdge(s, node.ID); next != "" {
		return next, nil
	}
	return "", pkgError.TransientError("api_call failed with no error edge: " + reason)
}

func (e *Engine) runAIPrompt(ctx context.Context, s *session, node *domain.Node) (string, error) {
	if e.ai == nil {
		logrus.Warn("[FLOW_ENGINE] ai_prompt node with no responder configured")
		if next := e.errorEdge(s, node.ID); next != "" {
			return next, nil
		}
		return "", pkgError.ValidationError("ai_prompt unavailable and no error edge")
	}

	prompt := interpolate.Render(node.Data.Prompt, s.vars)
	reply, err := e.ai.Respond(ctx, prompt, node.Data.SystemContext)
	if err != nil {
		logrus.Warnf("[FLOW_ENGINE] ai_prompt node %s failed: %v", node.ID, err)
		if next := e.errorEdge(s, node.ID); next != "" {
			return next, nil
		}
		return "", err
	}

	if node.Data.ReplyVariable != "" {
		s.vars[node.Data.ReplyVariable] = reply
	} else if err := e.sendText(ctx, s, reply); err != nil {
		return "", err
	}
	return e.followDefaultEdge(s, node.ID), nil
}

// runJump switches the session to the target flow's graph. The step counter
// survives the jump, which bounds jump cycles. With pass_variables off the
// context map is cleared; with a variable_mapping the rendered mapping
// replaces the map wholesale.
func (e *Engine) runJump(ctx context.Context, s *session, node *domain.Node) (next string, halted bool, err error) {
	targetID, err := uuid.Parse(node.Data.TargetFlowID)
	if err != nil {
		return "", false, pkgError.ValidationError("jump_to_flow has invalid target flow id")
	}

	target, err := e.flows.GetByID(ctx, s.tc, targetID)
	if err != nil {
		logrus.Warnf("[FLOW_ENGINE] jump target %s unavailable: %v", targetID, err)
		if next := e.errorEdge(s, node.ID); next != "" {
			return next, false, nil
		}
		return "", false, err
	}

	switch {
	case !node.Data.PassVariables:
		s.vars = map[string]any{}
	case len(node.Data.VariableMapping) > 0:
		mapped := make(map[string]any, len(node.Data.VariableMapping))
		for name, expr := range node.Data.VariableMapping {
			if v := interpolate.RenderExpr(expr, s.vars); v != nil {
				mapped[name] = v
			}
		}
		s.vars = mapped
	}

	s.flow = target
	flowID := target.ID

	start, ok := target.Canvas.StartNode()
	if !ok {
		// The jump itself succeeded; the conversation now belongs to the
		// target flow but has nowhere to run. Park it instead of erroring.
		logrus.Warnf("[FLOW_ENGINE] jump target flow %s has no start node", flowID)
		return "", true, e.persistCursor(ctx, s, &flowID, nil)
	}

	s.conv.ActiveFlowID = &flowID
	return e.followDefaultEdge(s, start.ID), false, nil
}

func (e *Engine) runHandoff(ctx context.Context, s *session, node *domain.Node) error {
	var deptID *uuid.UUID
	if node.Data.DepartmentID != "" {
		if id, err := uuid.Parse(node.Data.DepartmentID); err == nil {
			deptID = &id
		}
	}

	s.conv.IsBotActive = false
	s.conv.Status = convdomain.StatusPending
	s.conv.AssignedDepartmentID = deptID
	if err := e.persistCursor(ctx, s, nil, nil); err != nil {
		return err
	}
	if err := e.convs.Update(ctx, s.tc, s.conv); err != nil {
		return err
	}
	return e.handoff.Enqueue(ctx, s.tc, s.conv.ID, deptID, node.Data.Priority)
}

// failToHuman is the terminal failure path: bot off, conversation queued to
// the flow's fallback department (or the unrouted queue).
func (e *Engine) failToHuman(ctx context.Context, s *session, reason string) error {
	logrus.Warnf("[FLOW_ENGINE] conversation %s handed to human: %s", s.conv.ID, reason)

	s.conv.IsBotActive = false
	s.conv.Status = convdomain.StatusPending
	s.conv.AssignedDepartmentID = s.flow.FallbackDepartmentID
	if err := e.persistCursor(ctx, s, nil, nil); err != nil {
		return err
	}
	if err := e.convs.Update(ctx, s.tc, s.conv); err != nil {
		return err
	}
	return e.handoff.Enqueue(ctx, s.tc, s.conv.ID, s.flow.FallbackDepartmentID, false)
}

func (e *Engine) endSession(ctx context.Context, s *session) error {
	return e.persistCursor(ctx, s, nil, nil)
}

func (e *Engine) pauseAt(ctx context.Context, s *session, nodeID string) error {
	flowID := s.flow.ID
	return e.persistCursor(ctx, s, &flowID, &nodeID)
}

// persistCursor compare-and-swaps the cursor and accumulated variables. The
// version bump invalidates any concurrent advance on a stale read.
func (e *Engine) persistCursor(ctx context.Context, s *session, flowID *uuid.UUID, nodeID *string) error {
	err := e.convs.UpdateCursor(ctx, s.tc, s.conv.ID, s.conv.Version, flowID, nodeID, s.vars)
	if err != nil {
		return err
	}
	s.conv.ActiveFlowID = flowID
	s.conv.CurrentNodeID = nodeID
	s.conv.ContextVariables = s.vars
	s.conv.Version++
	return nil
}

// Edge selection.

func (e *Engine) followDefaultEdge(s *session, nodeID string) string {
	edges := s.flow.Canvas.EdgesFrom(nodeID)
	for _, edge := range edges {
		if edge.ConditionType == "" || edge.ConditionType == "default" {
			return edge.To
		}
	}
	if len(edges) > 0 {
		return edges[0].To
	}
	return ""
}

func (e *Engine) errorEdge(s *session, nodeID string) string {
	for _, edge := range s.flow.Canvas.EdgesFrom(nodeID) {
		if edge.ConditionType == "error" {
			return edge.To
		}
	}
	return ""
}

// matchEdge evaluates condition edges in stored order against value; the
// default edge is the fallback.
func (e *Engine) matchEdge(s *session, nodeID, value string) string {
	edges := s.flow.Canvas.EdgesFrom(nodeID)
	var fallback string
	lowered := strings.ToLower(strings.TrimSpace(value))

	for _, edge := range edges {
		target := strings.ToLower(strings.TrimSpace(edge.ConditionValue))
		switch edge.ConditionType {
		case "equal":
			if lowered == target {
				return edge.To
			}
		case "contains":
			if target != "" && strings.Contains(lowered, target) {
				return edge.To
			}
		case "greater":
			if a, b, ok := bothNumbers(lowered, target); ok && a > b {
				return edge.To
			}
		case "less":
			if a, b, ok := bothNumbers(lowered, target); ok && a < b {
				return edge.To
			}
		case "", "default":
			if fallback == "" {
				fallback = edge.To
			}
		}
	}
	return fallback
}

// Message emission.

func (e *Engine) sendText(ctx context.Context, s *session, text string) error {
	return e.sender.EnqueueFlowMessage(ctx, s.tc, s.conv, convdomain.MessageContent{
		SchemaVersion: convdomain.ContentSchemaVersion,
		Type:          "text",
		Text:          interpolate.Render(text, s.vars),
	})
}

func (e *Engine) sendNodeMessage(ctx context.Context, s *session, node *domain.Node) error {
	content := convdomain.MessageContent{
		SchemaVersion: convdomain.ContentSchemaVersion,
		Type:          "text",
		Text:          interpolate.Render(node.Data.Text, s.vars),
	}
	if node.Data.MediaURL != "" {
		content.Type = mediaTypeFromMime(node.Data.MimeType)
		content.MediaURL = node.Data.MediaURL
		content.MimeType = node.Data.MimeType
		content.Caption = interpolate.Render(node.Data.Caption, s.vars)
		content.Text = ""
	}
	return e.sender.EnqueueFlowMessage(ctx, s.tc, s.conv, content)
}

func (e *Engine) sendButtons(ctx context.Context, s *session, node *domain.Node) error {
	content := convdomain.MessageContent{
		SchemaVersion:   convdomain.ContentSchemaVersion,
		Type:            "interactive_buttons",
		InteractiveBody: interpolate.Render(node.Data.Text, s.vars),
	}
	for _, b := range node.Data.Buttons {
		content.Buttons = append(content.Buttons, convdomain.ButtonSpec{ID: b.ID, Title: b.Title})
	}
	return e.sender.EnqueueFlowMessage(ctx, s.tc, s.conv, content)
}

func (e *Engine) sendList(ctx context.Context, s *session, node *domain.Node) error {
	content := convdomain.MessageContent{
		SchemaVersion:   convdomain.ContentSchemaVersion,
		Type:            "interactive_list",
		InteractiveBody: interpolate.Render(node.Data.Text, s.vars),
		ListHeader:      node.Data.ListHeader,
		ListButtonText:  node.Data.ListButtonText,
	}
	for _, sec := range node.Data.Sections {
		spec := convdomain.SectionSpec{Title: sec.Title}
		for _, row := range sec.Rows {
			spec.Rows = append(spec.Rows, convdomain.RowSpec{ID: row.ID, Title: row.Title, Description: row.Description})
		}
		content.ListSections = append(content.ListSections, spec)
	}
	return e.sender.EnqueueFlowMessage(ctx, s.tc, s.conv, content)
}

// Helpers.

func validateAnswer(data domain.NodeData, answer string) bool {
	if answer == "" {
		return false
	}
	switch data.Validation {
	case "", "none":
		return true
	case "number":
		_, err := strconv.ParseFloat(answer, 64)
		return err == nil
	case "email":
		_, err := mail.ParseAddress(answer)
		return err == nil
	case "regex":
		re, err := regexp.Compile(data.ValidationRe)
		if err != nil {
			logrus.Warnf("[FLOW_ENGINE] invalid validation regex %q", data.ValidationRe)
			return true
		}
		return re.MatchString(answer)
	default:
		return true
	}
}

func matchOptionByTitle(node *domain.Node, text string) string {
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return ""
	}
	for _, b := range node.Data.Buttons {
		if strings.ToLower(b.Title) == needle {
			return b.ID
		}
	}
	for _, sec := range node.Data.Sections {
		for _, row := range sec.Rows {
			if strings.ToLower(row.Title) == needle {
				return row.ID
			}
		}
	}
	// Accept a bare option ordinal ("1", "2", ...).
	if n, err := strconv.Atoi(needle); err == nil && n >= 1 {
		idx := n - 1
		if idx < len(node.Data.Buttons) {
			return node.Data.Buttons[idx].ID
		}
		flat := 0
		for _, sec := range node.Data.Sections {
			for _, row := range sec.Rows {
				if flat == idx {
					return row.ID
				}
				flat++
			}
		}
	}
	return ""
}

func bothNumbers(a, b string) (float64, float64, bool) {
	fa, err1 := strconv.ParseFloat(a, 64)
	fb, err2 := strconv.ParseFloat(b, 64)
	return fa, fb, err1 == nil && err2 == nil
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case string:
		f, _ := strconv.ParseFloat(n, 64)
		return f
	default:
		return 0
	}
}

func mediaTypeFromMime(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return "image"
	case strings.HasPrefix(mime, "audio/"):
		return "audio"
	case strings.HasPrefix(mime, "video/"):
		return "video"
	default:
		return "document"
	}
}

// lookupJSONPath walks a dotted path ("data.items.0.name") through decoded
// JSON.
func lookupJSONPath(v any, path string) (any, bool) {
	current := v
	for _, part := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[part]
			if !ok {
				return nil, false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}
