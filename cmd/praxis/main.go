// Command praxis is an interactive terminal session against the
// orchestrator: type a message, watch the run stream back.
//
// Flags:
//
//	-config    path to praxis.toml (default $PRAXIS_CONFIG, then ./praxis.toml)
//	-mode      single | multi | workflow
//	-template  workflow template to force (workflow mode only)
//
// Slash commands inside the session:
//
//	/approvals            list pending approval requests
//	/approve <id> [note]  approve a pending request
//	/reject <id> [note]   reject a pending request
//	/mode <m>             switch execution mode
//	/templates            list workflow templates
//	/new                  start a fresh session
//	/quit                 exit
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	praxis "github.com/nevindra/praxis"
	"github.com/nevindra/praxis/bridge"
	"github.com/nevindra/praxis/internal/config"
	"github.com/nevindra/praxis/observer"
	"github.com/nevindra/praxis/provider/resolve"
	"github.com/nevindra/praxis/store/postgres"
	"github.com/nevindra/praxis/store/sqlite"
	"github.com/nevindra/praxis/tools/knowledge"
	"github.com/nevindra/praxis/tools/skill"
)

func main() {
	configPath := flag.String("config", os.Getenv("PRAXIS_CONFIG"), "path to praxis.toml")
	modeFlag := flag.String("mode", "single", "execution mode: single, multi, or workflow")
	templateFlag := flag.String("template", "", "workflow template to force (workflow mode)")
	flag.Parse()

	log.SetFlags(log.Ldate | log.Ltime | log.Lmsgprefix)
	log.SetPrefix("praxis ")

	mode := praxis.Mode(*modeFlag)
	switch mode {
	case praxis.ModeSingle, praxis.ModeMulti, praxis.ModeWorkflow:
	default:
		log.Fatalf("unknown mode %q (want single, multi, or workflow)", *modeFlag)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := newLogger()

	// 1. Load config
	cfg := config.Load(*configPath)

	// 2. Resolve the backend ring and wrap it in the gateway
	refs := cfg.LLM.ModelRing
	if !slices.Contains(refs, cfg.LLM.DefaultModel) {
		refs = append([]string{cfg.LLM.DefaultModel}, refs...)
	}
	backends, err := resolve.Ring(refs, cfg.LLM.APIKeys, cfg.LLM.BaseURLs)
	if err != nil {
		log.Fatalf("provider ring: %v", err)
	}
	gw := praxis.NewGateway(backends,
		praxis.WithAttempts(cfg.LLM.RetryAttempts),
		praxis.WithBackoffBase(cfg.LLM.RetryBackoffBase),
		praxis.WithCallTimeout(cfg.LLM.PerBackendTimeout),
		praxis.WithMaxConcurrent(cfg.LLM.PerBackendConcurrency),
		praxis.WithGatewayLogger(logger),
	)

	// 3. Observer (opt-in via config)
	var obsMW []praxis.Middleware
	if cfg.Observer.Enabled {
		pricing := make(map[string]observer.ModelPricing, len(cfg.Observer.Pricing))
		for model, p := range cfg.Observer.Pricing {
			pricing[model] = observer.ModelPricing{InputPerMillion: p.Input, OutputPerMillion: p.Output}
		}

		inst, shutdown, err := observer.Init(ctx, pricing)
		if err != nil {
			log.Fatalf("observer init: %v", err)
		}
		defer shutdown(context.Background())

		obsMW = append(obsMW, observer.NewTracing(inst), observer.NewMetrics(inst))
		log.Println("[observer] OTEL observability enabled")
	}

	// 4. Checkpoint + session store
	var (
		saver    praxis.Saver
		sessions praxis.SessionStore
		kstore   *sqlite.KnowledgeStore
	)
	switch cfg.Database.Driver {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.Database.DSN)
		if err != nil {
			log.Fatalf("postgres connect: %v", err)
		}
		st := postgres.New(pool)
		if err := st.Init(ctx); err != nil {
			log.Fatalf("postgres init: %v", err)
		}
		defer st.Close()
		saver, sessions = st, st
	default:
		st := sqlite.New(cfg.Database.Path, sqlite.WithLogger(logger))
		if err := st.Init(ctx); err != nil {
			log.Fatalf("sqlite init: %v", err)
		}
		defer st.Close()
		saver, sessions = st, st
		// Knowledge shares the checkpoint database; FTS5 lives in SQLite
		// only, so postgres deployments run without the knowledge tool.
		kstore = sqlite.NewKnowledgeStore(st.DB(), sqlite.WithKnowledgeLogger(logger))
		if err := kstore.Init(ctx); err != nil {
			log.Fatalf("knowledge init: %v", err)
		}
	}

	// 5. Tool registry: skills, knowledge, bridges
	registry := praxis.NewRegistry(praxis.WithRegistryLogger(logger))

	skills := skill.NewRegistry(cfg.Skills.Dir, cfg.Skills.AutoDir, skill.WithLogger(logger))
	if n, err := skills.Load(); err != nil {
		log.Printf("skills load: %v", err)
	} else if n > 0 {
		log.Printf("loaded %d skills from %s", n, cfg.Skills.Dir)
	}
	creator := skill.NewCreator(gw, cfg.LLM.DefaultModel)
	registry.Register(skill.NewTool(skills, creator))

	if kstore != nil {
		registry.Register(knowledge.New(kstore))
	}

	var sources []praxis.ExternalToolSource
	if f, err := bridge.LoadConfig(cfg.Bridge.ConfigPath); err == nil {
		clients := bridge.Connect(ctx, f, logger)
		for _, c := range clients {
			defer c.Close()
			sources = append(sources, bridge.NewSource(c, registry))
		}
	} else if !errors.Is(err, fs.ErrNotExist) {
		log.Printf("bridge config: %v", err)
	}

	// 6. Gate + middleware shared by every engine
	gate := praxis.NewGate(
		praxis.WithGateTTL(cfg.Approval.TTL),
		praxis.WithGateLogger(logger),
	)
	gate.StartSweeper(ctx, cfg.Approval.SweepInterval)

	shared := []praxis.Middleware{
		praxis.NewCompactor(gw,
			praxis.WithCompactTrigger(cfg.Summarize.TriggerTokens),
			praxis.WithCompactKeep(cfg.Summarize.KeepMessages),
			praxis.WithCompactModel(cfg.Summarize.Model),
			praxis.WithCompactorLogger(logger),
		),
		praxis.NewRoleFilter(),
	}
	if len(cfg.Approval.SensitivePatterns) > 0 {
		shared = append(shared, praxis.NewApprovalMiddleware(gate, cfg.Approval.SensitivePatterns,
			praxis.WithApprovalTTL(cfg.Approval.TTL),
			praxis.WithApprovalLogger(logger),
		))
	}
	shared = append(shared, praxis.NewEventProbe(logger))
	shared = append(shared, obsMW...)

	// 7. Engines: single driver, supervisor, workflow scheduler
	directive := praxis.NewDirective("", praxis.WithSkillIndex(skills))
	driver := praxis.NewDriver(gw, registry,
		praxis.WithStack(praxis.NewStack(append([]praxis.Middleware{directive}, shared...)...)),
		praxis.WithSaver(saver),
		praxis.WithCycleCap(cfg.Run.CycleCap),
		praxis.WithModel(cfg.LLM.DefaultModel),
		praxis.WithDriverLogger(logger),
	)

	workers := praxis.NewWorkers(gw, registry,
		praxis.WithWorkerSaver(saver),
		praxis.WithWorkerMiddleware(shared...),
		praxis.WithWorkerDriverOptions(
			praxis.WithCycleCap(cfg.Run.CycleCap),
			praxis.WithModel(cfg.LLM.DefaultModel),
		),
		praxis.WithWorkersLogger(logger),
	)
	var catalog []praxis.WorkerSpec
	for _, w := range cfg.Workers {
		catalog = append(catalog, praxis.WorkerSpec{
			Name:        w.Name,
			Description: w.Description,
			Directive:   w.Directive,
		})
	}
	if len(catalog) == 0 {
		catalog = praxis.DefaultWorkerCatalog()
	}
	for _, spec := range catalog {
		if err := workers.Register(spec); err != nil {
			log.Fatalf("worker %s: %v", spec.Name, err)
		}
	}

	supervisor := praxis.NewSupervisor(gw, workers,
		praxis.WithSupervisorSaver(saver),
		praxis.WithSupervisorMiddleware(shared...),
		praxis.WithSupervisorModel(cfg.LLM.DefaultModel),
		praxis.WithSupervisorLogger(logger),
	)

	library := praxis.NewTemplateLibrary(praxis.WithTemplateLogger(logger))
	if n, err := library.LoadDir(cfg.Workflow.TemplatesPath); err != nil {
		log.Printf("workflow templates: %v", err)
	} else if n > 0 {
		log.Printf("loaded %d workflow templates from %s", n, cfg.Workflow.TemplatesPath)
	}
	planner := praxis.NewPlanner(gw, library,
		praxis.WithPlannerModel(cfg.LLM.DefaultModel),
		praxis.WithPlannerLogger(logger),
	)
	scheduler := praxis.NewWorkflowScheduler(planner, workers,
		praxis.WithSchedulerSaver(saver),
		praxis.WithSchedulerLogger(logger),
	)

	// 8. Orchestrator
	orch := praxis.NewOrchestrator(
		praxis.WithSingleAgent(driver),
		praxis.WithMultiAgent(supervisor),
		praxis.WithWorkflow(scheduler),
		praxis.WithGate(gate),
		praxis.WithSessions(sessions),
		praxis.WithTemplates(library),
		praxis.WithExternalSources(sources...),
		praxis.WithRequestBudget(cfg.Run.RequestBudget),
		praxis.WithOrchestratorLogger(logger),
	)
	if len(sources) > 0 {
		if n, err := orch.RefreshExternalTools(ctx); err != nil {
			log.Printf("bridge discovery: %v", err)
		} else {
			log.Printf("discovered %d bridged tools", n)
		}
	}

	// 9. REPL
	if err := runREPL(ctx, orch, mode, *templateFlag); err != nil {
		log.Fatal(err)
	}
}

// newLogger builds the component logger. It writes to stderr so log lines
// never interleave with streamed model output on stdout; PRAXIS_LOG_LEVEL
// (debug|info|warn|error) raises or lowers the floor, default warn.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	switch strings.ToLower(os.Getenv("PRAXIS_LOG_LEVEL")) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "error":
		level = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runREPL(ctx context.Context, orch *praxis.Orchestrator, mode praxis.Mode, template string) error {
	sessionID := praxis.NewID()
	fmt.Printf("session %s (mode %s) — /quit to exit\n", sessionID, mode)

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			fmt.Println()
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := runCommand(orch, line, &sessionID, &mode)
			if err != nil {
				fmt.Printf("error: %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		req := praxis.Request{
			Mode:      mode,
			SessionID: sessionID,
			UserID:    "local",
			Role:      "admin",
			Messages:  []praxis.ChatMessage{praxis.UserMessage(line)},
			Template:  template,
		}

		ch := make(chan praxis.StreamEvent, 64)
		printer := newPrinter()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for ev := range ch {
				printer.print(ev)
			}
		}()

		st, err := orch.ExecuteStream(ctx, req, ch)
		<-done
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			fmt.Printf("\nrun failed: %v\n", err)
			continue
		}
		printer.finish(st)
	}
}

// runCommand handles one slash command. It returns true when the REPL
// should exit.
func runCommand(orch *praxis.Orchestrator, line string, sessionID *string, mode *praxis.Mode) (bool, error) {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil

	case "/new":
		*sessionID = praxis.NewID()
		fmt.Printf("session %s\n", *sessionID)
		return false, nil

	case "/mode":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: /mode single|multi|workflow")
		}
		switch m := praxis.Mode(fields[1]); m {
		case praxis.ModeSingle, praxis.ModeMulti, praxis.ModeWorkflow:
			*mode = m
			fmt.Printf("mode %s\n", m)
			return false, nil
		default:
			return false, fmt.Errorf("unknown mode %q", fields[1])
		}

	case "/templates":
		infos := orch.Templates()
		if len(infos) == 0 {
			fmt.Println("no templates")
			return false, nil
		}
		for _, ti := range infos {
			fmt.Printf("  %-24s %s\n", ti.Name, ti.Description)
		}
		return false, nil

	case "/approvals":
		pending := orch.PendingApprovals(*sessionID)
		if len(pending) == 0 {
			fmt.Println("no pending approvals")
			return false, nil
		}
		for _, ar := range pending {
			expires := time.Unix(ar.ExpiresAt, 0).Format(time.TimeOnly)
			fmt.Printf("  %s  %-14s expires %s  %s\n", ar.ID, ar.ActionType, expires, ar.ActionDescription)
		}
		return false, nil

	case "/approve", "/reject":
		if len(fields) < 2 {
			return false, fmt.Errorf("usage: %s <id> [comment]", fields[0])
		}
		id := fields[1]
		comment := strings.Join(fields[2:], " ")
		var (
			ar  praxis.ApprovalRequest
			err error
		)
		if fields[0] == "/approve" {
			ar, err = orch.Approve(*sessionID, id, comment)
		} else {
			ar, err = orch.Reject(*sessionID, id, comment)
		}
		if err != nil {
			return false, err
		}
		fmt.Printf("%s %s, re-send your message to resume\n", ar.ID, ar.Status)
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

// printer renders stream events for a terminal. Text deltas print inline;
// everything else gets a bracketed status line.
type printer struct {
	agent       string
	printedText bool
}

func newPrinter() *printer { return &printer{} }

func (p *printer) print(ev praxis.StreamEvent) {
	switch ev.Type {
	case praxis.EventTextDelta:
		if ev.Agent != "" && ev.Agent != p.agent {
			if p.printedText {
				fmt.Println()
			}
			fmt.Printf("[%s] ", ev.Agent)
			p.agent = ev.Agent
		}
		fmt.Print(ev.Content)
		p.printedText = true

	case praxis.EventToolCallStart:
		fmt.Printf("\n[tool %s] %s\n", ev.Name, trim(string(ev.Args), 120))

	case praxis.EventToolCallResult:
		fmt.Printf("[tool %s] %s\n", ev.Name, trim(ev.Content, 120))

	case praxis.EventHandoff:
		fmt.Printf("\n[handoff → %s] %s\n", ev.Name, trim(ev.Content, 120))

	case praxis.EventApprovalRequired:
		fmt.Printf("\n[approval required] id=%s %s\n", ev.ID, ev.Content)
		fmt.Println("  /approve " + ev.ID + "  or  /reject " + ev.ID)

	case praxis.EventRoundStart:
		fmt.Printf("\n[round] %s\n", ev.Content)

	case praxis.EventStepStart:
		fmt.Printf("[step %s → %s] %s\n", ev.ID, ev.Name, trim(ev.Content, 100))

	case praxis.EventStepResult:
		fmt.Printf("[step %s done] %s\n", ev.ID, trim(ev.Content, 200))

	case praxis.EventError:
		fmt.Printf("\n[error] %s\n", ev.Content)
	}
}

// finish prints the final assistant message for runs that never streamed a
// delta (workflow synthesis, approval stubs) and the trailing newline for
// runs that did.
func (p *printer) finish(st praxis.State) {
	if p.printedText {
		fmt.Println()
		return
	}
	if msg, ok := st.LastMessage(); ok && msg.Role == "assistant" && msg.Content != "" {
		fmt.Println(msg.Content)
	}
}

func trim(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
