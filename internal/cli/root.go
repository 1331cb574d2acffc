package cli

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"caseline/internal/catalog"
	"caseline/internal/display"
	"caseline/internal/events"
	"caseline/internal/feedback"
	"caseline/internal/intent"
	"caseline/internal/listener"
	"caseline/internal/llm"
	"caseline/internal/orchestrator"
	"caseline/internal/plan"
)

// App bundles the collaborators the REPL needs. Execute wires it into the
// cobra command and blocks until the user quits.
type App struct {
	Orch   *orchestrator.Orchestrator
	Client *llm.Client
	Reg    *catalog.Registry
	Bus    *events.Bus
	Log    *log.Logger
}

var app *App

var rootCmd = &cobra.Command{
	Use:   "caseline",
	Short: "An adaptive document analysis orchestrator",
	Long:  `Caseline turns a natural-language analysis goal into a dependency-ordered plan of analysis steps, executes them concurrently, and adapts the plan when steps fail or produce weak results.`,
	Run: func(cmd *cobra.Command, args []string) {
		runRepl()
	},
}

func Execute(a *App) {
	app = a
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func runRepl() {
	ln, err := listener.New("> ")
	if err != nil {
		fmt.Println("Failed to init terminal input:", err)
		os.Exit(1)
	}
	defer ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	app.Orch.Start(ctx)

	go printResults(ln)
	go printEvents(ln)

	// Graceful shutdown
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		fmt.Println("\nGoodbye!")
		os.Exit(0)
	}()

	ln.AsyncPrintln("What should I analyze? (type 'help' for commands, 'exit' to quit)")

	for {
		line := ln.GetInput()
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "exit", "quit":
			fmt.Println("Goodbye!")
			return
		case "help":
			ln.AsyncPrintln(helpText)
		case "status":
			printStatus(ln)
		case "answer":
			if len(fields) < 3 {
				ln.AsyncPrintln("Usage: answer <request-id> <text>")
				continue
			}
			resolve(ln, fields[1], feedback.Response{Value: strings.Join(fields[2:], " "), Approved: true})
		case "approve":
			if len(fields) != 2 {
				ln.AsyncPrintln("Usage: approve <request-id>")
				continue
			}
			resolve(ln, fields[1], feedback.Response{Value: "yes", Approved: true})
		case "deny":
			if len(fields) != 2 {
				ln.AsyncPrintln("Usage: deny <request-id>")
				continue
			}
			resolve(ln, fields[1], feedback.Response{Value: "no", Approved: false})
		case "cancel":
			id := ""
			if len(fields) > 1 {
				id = fields[1]
			}
			cancelRun(ln, id, id == "")
		case "resume":
			if len(fields) != 2 {
				ln.AsyncPrintln("Usage: resume <run-id>")
				continue
			}
			if err := app.Orch.Resume(fields[1]); err != nil {
				ln.AsyncPrintln(fmt.Sprintf("[Resume FAILED] %v", err))
			} else {
				ln.AsyncPrintln(fmt.Sprintf("[Run %s resumed]", fields[1]))
			}
		default:
			handleGoal(ln, line)
		}
	}
}

const helpText = `Commands:
  <free text>            start an analysis run for the described goal
  answer <id> <text>     answer a pending feedback request
  approve <id> / deny <id>
  cancel [run-id]        cancel the current (or named) run
  resume <run-id>        resume an interrupted run from the store
  status                 show the executing run and open feedback requests
  exit`

// handleGoal is the main path: read the intent, preview the plan, confirm if
// asked for, submit.
func handleGoal(ln *listener.Listener, line string) {
	intentCtx, cancelIntent := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancelIntent()
	in, err := intent.Analyze(intentCtx, app.Client, app.Reg, line)
	if err != nil {
		ln.AsyncPrintln(fmt.Sprintf("[Intent analysis FAILED] %v", err))
		return
	}

	if in.Cancel {
		cancelRun(ln, in.TargetRunID, in.TargetIsPrevious)
		return
	}
	if in.Resume {
		if in.TargetRunID == "" {
			ln.AsyncPrintln("[Resume] No run id given.")
			return
		}
		if err := app.Orch.Resume(in.TargetRunID); err != nil {
			ln.AsyncPrintln(fmt.Sprintf("[Resume FAILED] %v", err))
			return
		}
		ln.AsyncPrintln(fmt.Sprintf("[Run %s resumed]", in.TargetRunID))
		return
	}

	p, rep, err := app.Orch.Preview(line, in.Kinds)
	if err != nil {
		ln.AsyncPrintln(fmt.Sprintf("[Plan generation FAILED] %v", err))
		return
	}
	app.Log.Printf("Plan %s for goal %q: kinds=%v estimate=%s-%s",
		p.RunID, line, in.Kinds, rep.EstimateMin, rep.EstimateMax)

	// Risk analysis steps escalate to a human mid-run, so preview those plans
	// up front even without an explicit review request.
	needsConfirm := in.RequiresConfirmation || hasKind(p, "risk-analysis")
	if needsConfirm {
		ln.BeginInteractive()
		ln.PrintAbove(display.FormatPlan(p, rep))
		approved := ln.AskYesNo("Run this plan?")
		ln.EndInteractive()
		if !approved {
			ln.AsyncPrintln(fmt.Sprintf("[Plan %s REJECTED]", p.RunID))
			return
		}
	}

	id := app.Orch.Submit(p)
	ln.AsyncPrintln(fmt.Sprintf("[Plan %s ACCEPTED] Run started with %d step(s)", id, len(p.Steps)))
}

func cancelRun(ln *listener.Listener, id string, mostRecent bool) {
	if mostRecent || id == "" {
		cancelled, err := app.Orch.CancelMostRecent()
		if err != nil {
			ln.AsyncPrintln(fmt.Sprintf("[Cancel FAILED] %v", err))
			return
		}
		ln.AsyncPrintln(fmt.Sprintf("[Run %s cancelling...]", cancelled))
		return
	}
	if _, err := app.Orch.Cancel(id); err != nil {
		ln.AsyncPrintln(fmt.Sprintf("[Cancel FAILED] %v", err))
		return
	}
	ln.AsyncPrintln(fmt.Sprintf("[Run %s cancelling...]", id))
}

func resolve(ln *listener.Listener, id string, resp feedback.Response) {
	if !app.Orch.ResolveFeedback(id, resp) {
		ln.AsyncPrintln(fmt.Sprintf("[Feedback %s] unknown or already resolved", id))
		return
	}
	ln.AsyncPrintln(fmt.Sprintf("[Feedback %s] recorded", id))
}

func printStatus(ln *listener.Listener) {
	if id := app.Orch.CurrentRunID(); id != "" {
		ln.AsyncPrintln(fmt.Sprintf("Executing run: %s", id))
	} else {
		ln.AsyncPrintln("No run is executing.")
	}
	pending := app.Orch.PendingFeedback("")
	for _, req := range pending {
		ln.AsyncPrintln(display.FormatFeedbackRequest(req))
	}
	if len(pending) == 0 {
		ln.AsyncPrintln("No pending feedback requests.")
	}
}

// printResults drains terminal run reports without breaking current input.
func printResults(ln *listener.Listener) {
	for result := range app.Orch.Results {
		ln.AsyncPrintln(display.FormatRunOutcome(result.Plan, string(result.Status)))
		if result.Metrics != nil {
			ln.AsyncPrintln(display.FormatRunMetrics(result.Metrics))
		}
	}
}

// printEvents surfaces the run lifecycle as it happens. Terminal results are
// handled by printResults; here only the in-flight signals are shown.
func printEvents(ln *listener.Listener) {
	ch, cancel := app.Bus.Subscribe(128)
	defer cancel()
	for evt := range ch {
		switch evt.Type {
		case events.StepCompleted:
			ln.AsyncPrintln(fmt.Sprintf("[%s] %v", evt.RunID, evt.Data["summary"]))
		case events.StepSuspended:
			ln.AsyncPrintln(fmt.Sprintf("[%s] step %v waiting on feedback", evt.RunID, evt.Data["step_id"]))
		case events.FeedbackRequested:
			ln.AsyncPrintln(fmt.Sprintf("[%s] FEEDBACK NEEDED (%v): %v\n  answer %v <text> | approve %v | deny %v",
				evt.RunID, evt.Data["kind"], evt.Data["prompt"],
				evt.Data["request_id"], evt.Data["request_id"], evt.Data["request_id"]))
		case events.AdaptationApplied:
			ln.AsyncPrintln(fmt.Sprintf("[%s] plan adapted: %v", evt.RunID, evt.Data["strategy"]))
		}
	}
}

func hasKind(p *plan.Plan, kind string) bool {
	for _, s := range p.Steps {
		if s.Kind == kind {
			return true
		}
	}
	return false
}
