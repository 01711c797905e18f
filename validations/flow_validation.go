package validations

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	flowdomain "github.com/xkayo32/pytake-sub001/flowengine/domain"
	pkgError "github.com/xkayo32/pytake-sub001/pkg/error"
)

// ValidateFlow checks a flow graph before it can be published: exactly one
// start node, every edge endpoint resolvable, and per-node payload rules.
func ValidateFlow(ctx context.Context, flow *flowdomain.Flow) error {
	err := validation.ValidateStructWithContext(ctx, flow,
		validation.Field(&flow.Name, validation.Required, validation.Length(1, 255)),
	)
	if err != nil {
		return pkgError.ValidationError(err.Error())
	}

	starts := 0
	ids := make(map[string]bool, len(flow.Canvas.Nodes))
	for _, node := range flow.Canvas.Nodes {
		if node.ID == "" {
			return pkgError.ValidationError("flow node is missing an id")
		}
		if ids[node.ID] {
			return pkgError.ValidationError(fmt.Sprintf("duplicate node id %q", node.ID))
		}
		ids[node.ID] = true
		if node.Type == flowdomain.NodeStart {
			starts++
		}
		if err := validateNode(&node); err != nil {
			return err
		}
	}
	if starts != 1 {
		return pkgError.ValidationError(fmt.Sprintf("flow must have exactly one start node, found %d", starts))
	}

	for _, edge := range flow.Canvas.Edges {
		if !ids[edge.From] || !ids[edge.To] {
			return pkgError.ValidationError(fmt.Sprintf("edge %s->%s references an unknown node", edge.From, edge.To))
		}
	}
	return nil
}

func validateNode(node *flowdomain.Node) error {
	fail := func(format string, args ...any) error {
		return pkgError.ValidationError(fmt.Sprintf("node %s: ", node.ID) + fmt.Sprintf(format, args...))
	}

	switch node.Type {
	case flowdomain.NodeMessage:
		if node.Data.Text == "" && node.Data.MediaURL == "" {
			return fail("message node needs text or media")
		}
	case flowdomain.NodeQuestion:
		if node.Data.Text == "" {
			return fail("question node needs a prompt")
		}
	case flowdomain.NodeCondition:
		if node.Data.ConditionVariable == "" {
			return fail("condition node needs a variable")
		}
	case flowdomain.NodeAPICall:
		if node.Data.URL == "" {
			return fail("api_call node needs a url")
		}
	case flowdomain.NodeJumpToFlow:
		if node.Data.TargetFlowID == "" {
			return fail("jump_to_flow node needs a target flow")
		}
	case flowdomain.NodeInteractiveButtons:
		n := len(node.Data.Buttons)
		if n < 1 || n > 3 {
			return fail("interactive_buttons needs 1 to 3 buttons, has %d", n)
		}
		for _, b := range node.Data.Buttons {
			if b.ID == "" || b.Title == "" {
				return fail("button needs id and title")
			}
			if len(b.Title) > 20 {
				return fail("button title %q exceeds 20 characters", b.Title)
			}
		}
	case flowdomain.NodeInteractiveList:
		if len(node.Data.Sections) == 0 {
			return fail("interactive_list needs at least one section")
		}
		rows := 0
		for _, s := range node.Data.Sections {
			rows += len(s.Rows)
		}
		if rows == 0 || rows > 10 {
			return fail("interactive_list needs 1 to 10 rows, has %d", rows)
		}
	}
	return nil
}
