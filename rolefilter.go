package praxis

import "context"

// RoleFilter hides role-restricted tools from the model. The registry
// enforces the same rule again at execution time; filtering here keeps
// forbidden tools out of the model's view entirely, so it never tries to
// call them. The filter is transient and does not modify state.
type RoleFilter struct{}

var _ Middleware = (*RoleFilter)(nil)
var _ ModelCallWrapper = (*RoleFilter)(nil)

// NewRoleFilter builds the role-scoped tool filter.
func NewRoleFilter() *RoleFilter { return &RoleFilter{} }

// Name implements Middleware.
func (f *RoleFilter) Name() string { return "role-filter" }

// WrapModelCall implements ModelCallWrapper. Without caller info on the
// context the full tool set passes through unchanged.
func (f *RoleFilter) WrapModelCall(ctx context.Context, req ChatRequest, tools []ToolDefinition, next ModelCallFunc) (ChatResponse, error) {
	info, ok := RequestInfoFrom(ctx)
	if !ok || info.Role == adminRole {
		return next(ctx, req, tools)
	}
	visible := make([]ToolDefinition, 0, len(tools))
	for _, def := range tools {
		if roleAllowed(def, info.Role) {
			visible = append(visible, def)
		}
	}
	return next(ctx, req, visible)
}
