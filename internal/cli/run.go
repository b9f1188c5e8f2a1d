package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/turnloop/turnloop/internal/approval"
	"github.com/turnloop/turnloop/internal/bus"
	"github.com/turnloop/turnloop/internal/config"
	"github.com/turnloop/turnloop/internal/engine"
	"github.com/turnloop/turnloop/internal/eventbridge"
	"github.com/turnloop/turnloop/internal/provider"
	"github.com/turnloop/turnloop/internal/safety"
	"github.com/turnloop/turnloop/internal/session"
	"github.com/turnloop/turnloop/internal/tools"
	"github.com/turnloop/turnloop/internal/transcript"
)

var (
	runMessage    string
	runSessionKey string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine interactively (or one-shot with --message)",
	Run:   runEngine,
}

func init() {
	runCmd.Flags().StringVarP(&runMessage, "message", "m", "", "Single message to process, then exit")
	runCmd.Flags().StringVarP(&runSessionKey, "session", "s", "cli:default", "Session key")
}

func runEngine(cmd *cobra.Command, args []string) {
	logger := setupLogger()

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Config error: %v\n", err)
		os.Exit(1)
	}
	if cfg.Provider.APIKey == "" {
		fmt.Println("Error: API key not found. Set TURNLOOP_PROVIDER_API_KEY or use config.json")
		os.Exit(1)
	}

	store, err := transcript.NewStore(cfg.Paths.TranscriptPath)
	if err != nil {
		logger.Warn("transcript unavailable", "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewReadFileTool())
	registry.Register(tools.NewWriteFileTool(func() string { return cfg.Paths.Workspace }))
	registry.Register(tools.NewEditFileTool(func() string { return cfg.Paths.Workspace }))
	registry.Register(tools.NewListDirTool())
	registry.Register(tools.NewExecTool(cfg.Engine.ExecTimeout, cfg.Engine.RestrictWorkspace, cfg.Paths.Workspace))
	registry.Register(tools.NewTodoTool())

	analyzer := safety.NewDefaultAnalyzer()
	analyzer.MaxAutoTier = cfg.Safety.MaxAutoTier

	b := bus.New()
	eng := engine.New(engine.Options{
		Bus:        b,
		Client:     provider.NewOpenAIClient(cfg.Provider.APIKey, cfg.Provider.APIBase, cfg.Model.Name),
		Registry:   registry,
		Analyzer:   analyzer,
		Approvals:  approval.NewManager(store),
		Sessions:   session.NewManager(cfg.Paths.SessionsDir),
		Transcript: store,
		Logger:     logger,
		SessionKey: runSessionKey,
		Model:      cfg.Model,
		Engine:     cfg.Engine,
	})

	if cfg.Kafka.Enabled {
		bridge := eventbridge.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		bridge.Attach(b)
		defer bridge.Close()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	attachPrinter(b, done)
	go b.Dispatch(ctx)
	go eng.Run(ctx)

	if runMessage != "" {
		b.Submit(&bus.Submission{SubmitID: uuid.NewString(), Op: bus.OpUserInput, Content: runMessage})
		<-done
		return
	}

	printHeader(fmt.Sprintf("turnloop (%s)", cfg.Model.Name))
	fmt.Println("Commands: /approve <call-id>, /deny <call-id>, /stop, /quit")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print(color.GreenString("> "))
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		switch {
		case line == "/quit":
			return
		case line == "/stop":
			b.Submit(&bus.Submission{SubmitID: uuid.NewString(), Op: bus.OpInterrupt})
		case strings.HasPrefix(line, "/approve "):
			b.Submit(&bus.Submission{
				SubmitID: uuid.NewString(),
				Op:       bus.OpApproval,
				CallID:   strings.TrimSpace(strings.TrimPrefix(line, "/approve ")),
				Approved: true,
			})
		case strings.HasPrefix(line, "/deny "):
			b.Submit(&bus.Submission{
				SubmitID: uuid.NewString(),
				Op:       bus.OpApproval,
				CallID:   strings.TrimSpace(strings.TrimPrefix(line, "/deny ")),
			})
		default:
			b.Submit(&bus.Submission{SubmitID: uuid.NewString(), Op: bus.OpUserInput, Content: line})
		}
	}
}

// attachPrinter subscribes terminal rendering for engine notifications.
// done closes after the first terminal turn notification (for one-shot mode).
func attachPrinter(b *bus.Bus, done chan struct{}) {
	var closed bool
	finish := func() {
		if !closed {
			closed = true
			close(done)
		}
	}

	b.Subscribe(bus.NoteDelta, func(n *bus.Notification) {
		fmt.Print(n.Text)
	})
	b.Subscribe(bus.NoteToolBegin, func(n *bus.Notification) {
		fmt.Println(color.YellowString("\n[tool] %s started (%s)", n.Tool, n.CallID))
	})
	b.Subscribe(bus.NoteToolOutput, func(n *bus.Notification) {
		fmt.Print(color.HiBlackString(n.Text))
	})
	b.Subscribe(bus.NoteToolEnd, func(n *bus.Notification) {
		fmt.Println(color.YellowString("[tool] %s finished in %dms", n.Tool, n.DurationMs))
	})
	b.Subscribe(bus.NoteApprovalRequest, func(n *bus.Notification) {
		fmt.Println(color.RedString("\n[approval] %s wants to run (%s) — /approve %s or /deny %s",
			n.Tool, n.Text, n.CallID, n.CallID))
	})
	b.Subscribe(bus.NoteAgentSpawned, func(n *bus.Notification) {
		fmt.Println(color.MagentaString("[subagent] %s spawned", n.Text))
	})
	b.Subscribe(bus.NoteTurnComplete, func(n *bus.Notification) {
		fmt.Println(color.CyanString("\n[turn] complete (%dms)", n.DurationMs))
		finish()
	})
	b.Subscribe(bus.NoteTurnAborted, func(n *bus.Notification) {
		fmt.Println(color.RedString("\n[turn] aborted"))
		finish()
	})
	b.Subscribe(bus.NoteTurnError, func(n *bus.Notification) {
		fmt.Println(color.RedString("\n[turn] error: %s", n.Text))
		finish()
	})
}
