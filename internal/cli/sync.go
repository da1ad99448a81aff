package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	offsync "github.com/c0deZ3R0/go-offline-sync"
	"github.com/c0deZ3R0/go-offline-sync/coordinator"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// SyncOutput is the JSON form of a finished pass.
type SyncOutput struct {
	coordinator.PassResult
	PullError string `json:"pull_error,omitempty"`
}

// NewSyncCommand creates the sync command.
func NewSyncCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one sync pass and wait for it",
		Long: `Push every due queued action, then pull server changes until caught up.

A pass that cannot reach the server leaves actions pending with a backoff; run
"offsync status" to see what is left.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				res, err := e.SyncNow(ctx)
				if err != nil {
					return err
				}
				out := SyncOutput{PassResult: res}
				if res.PullErr != nil {
					out.PullError = res.PullErr.Error()
				}
				return newFormatter(rootOpts, cmd).Print(out, func(w io.Writer) {
					fmt.Fprintf(w, "pushed %d, retried %d, dead-lettered %d, conflicts %d, awaiting user %d, pulled %d in %s\n",
						res.Pushed, res.Retried, res.DeadLettered, res.Conflicts, res.AwaitingUser, res.Pulled, res.Duration)
					if out.PullError != "" {
						fmt.Fprintf(w, "pull failed: %s\n", out.PullError)
					}
				})
			})
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts, cursor and identity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				st, err := e.Status(ctx)
				if err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Print(st, func(w io.Writer) {
					fmt.Fprintf(w, "Pending:       %d\n", st.Pending)
					fmt.Fprintf(w, "In flight:     %d\n", st.InFlight)
					fmt.Fprintf(w, "Awaiting user: %d\n", st.AwaitingUser)
					fmt.Fprintf(w, "Dead-lettered: %d\n", st.DeadLettered)
					fmt.Fprintf(w, "Cursor:        %s\n", orNone(st.Cursor))
					fmt.Fprintf(w, "Guest:         %s\n", orNone(st.GuestID))
					if st.AccountID != "" {
						fmt.Fprintf(w, "Account:       %s\n", st.AccountID)
					}
					if st.Halted != "" {
						fmt.Fprintf(w, "Halted:        %s\n", st.Halted)
					}
				})
			})
		},
	}
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}

// NewDeadLettersCommand creates the deadletters command.
func NewDeadLettersCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "deadletters",
		Aliases: []string{"dlq"},
		Short:   "Inspect, retry or discard actions that will not be retried automatically",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List dead-lettered actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				actions, err := e.DeadLetters(ctx)
				if err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Print(actions, func(w io.Writer) {
					if len(actions) == 0 {
						fmt.Fprintln(w, "no dead-lettered actions")
						return
					}
					for _, a := range actions {
						printAction(w, a)
					}
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "retry <action-id>",
		Short: "Queue a dead-lettered action again under a new id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				a, err := e.RetryDeadLetter(ctx, args[0])
				if err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Print(a, func(w io.Writer) {
					fmt.Fprintf(w, "re-queued %s as %s\n", args[0], a.ID)
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "discard <action-id>",
		Short: "Delete a dead-lettered action",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				if err := e.DiscardDeadLetter(ctx, args[0]); err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Print(map[string]string{"discarded": args[0]}, func(w io.Writer) {
					fmt.Fprintf(w, "discarded %s\n", args[0])
				})
			})
		},
	})

	return cmd
}

// NewDecideCommand creates the decide command.
func NewDecideCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "decide <action-id> <keep-server|keep-local|discard>",
		Short: "Answer a conflict that is waiting for the user",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := model.Decision(args[1])
			if !d.Valid() {
				return fmt.Errorf("unknown decision %q", args[1])
			}
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				if err := e.Decide(ctx, args[0], d); err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Print(map[string]string{"action_id": args[0], "decision": string(d)}, func(w io.Writer) {
					fmt.Fprintf(w, "%s: %s\n", args[0], d)
				})
			})
		},
	}
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Sync in the background until interrupted",
		Long: `Start the engine: recover interrupted actions, sync now, then sync again on
the configured schedule and whenever the server announces a change. Engine
events are printed as they happen. Stop with Ctrl+C.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(rootOpts, cmd)
			if err != nil {
				return err
			}
			defer e.Close()
			e.Lifecycle().NetworkAvailable()

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			unsubscribe := e.Subscribe(&eventPrinter{f: newFormatter(rootOpts, cmd)})
			defer unsubscribe()

			if err := e.Start(ctx); err != nil {
				return err
			}
			<-ctx.Done()
			return nil
		},
	}
}

// eventPrinter writes engine events to the command output, one per line.
type eventPrinter struct {
	mu sync.Mutex
	f  *OutputFormatter
}

type eventLine struct {
	Event   string `json:"event"`
	ID      string `json:"id,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Count   int    `json:"count,omitempty"`
	Account string `json:"account_id,omitempty"`
}

func (p *eventPrinter) emit(ev eventLine) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.f.Format == "json" {
		_ = json.NewEncoder(p.f.Writer).Encode(ev)
		return
	}
	fmt.Fprintf(p.f.Writer, "%-18s %s %s\n", ev.Event, ev.ID, ev.Reason)
}

func (p *eventPrinter) OnActionResolved(id string) {
	p.emit(eventLine{Event: "resolved", ID: id})
}

func (p *eventPrinter) OnActionDeadLettered(id, reason string) {
	p.emit(eventLine{Event: "dead-lettered", ID: id, Reason: reason})
}

func (p *eventPrinter) OnConflictNeedsUser(d model.ConflictDescriptor) {
	p.emit(eventLine{Event: "needs-decision", ID: d.ActionID, Reason: d.Reason})
}

func (p *eventPrinter) OnPullApplied(n int) {
	p.emit(eventLine{Event: "pulled", Count: n, Reason: fmt.Sprintf("%d changes", n)})
}

func (p *eventPrinter) OnClaimCompleted(r model.ClaimResult) {
	p.emit(eventLine{Event: "claimed", ID: r.GuestID, Account: r.AccountID})
}

func (p *eventPrinter) OnCoordinatorHalted(err error) {
	p.emit(eventLine{Event: "halted", Reason: err.Error()})
}
