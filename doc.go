// Package praxis is an agent orchestration core: it drives a language model
// through rounds of reasoning, tool invocation, and specialist delegation to
// produce a final response, while honoring persistence, cancellation,
// approvals, and parallel step execution.
//
// # Quick Start
//
// Wire a gateway, a registry, and a driver:
//
//	gw := praxis.NewGateway([]praxis.Provider{primary, fallback})
//	reg := praxis.NewRegistry()
//	reg.Register(skill.NewTool(skills, creator))
//
//	driver := praxis.NewDriver(gw, reg,
//		praxis.WithSaver(saver),
//		praxis.WithStack(praxis.NewStack(
//			praxis.NewDirective("", praxis.WithSkillIndex(skills)),
//			praxis.NewApprovalMiddleware(gate, nil),
//		)),
//	)
//
//	final, err := driver.Run(ctx, state)
//
// Or use the [Orchestrator], which dispatches between the single-agent
// driver, the multi-agent supervisor, and the workflow scheduler based on
// the request mode.
//
// # Core Interfaces
//
// The root package defines the contracts that all components implement:
//
//   - [Provider] — LLM backend (chat, tool calling, streaming)
//   - [Saver] — durable checkpoint storage keyed by (thread, namespace)
//   - [SessionStore] — session records
//   - [Tool] — pluggable capability for LLM function calling
//   - [Bridge] — external tool discovery and pass-through invocation
//   - [Middleware] — hooks around model and tool calls
//
// # Included Implementations
//
// Providers: provider/openaicompat (OpenAI-compatible APIs), assembled into
// rings via provider/resolve. Storage: store/sqlite (local),
// store/postgres. Tools: tools/skill, tools/knowledge. External tools:
// bridge (JSON-RPC over child-process stdio). Observability: observer
// (OpenTelemetry).
//
// See cmd/praxis for a complete wired application.
package praxis
