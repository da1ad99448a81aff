package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	offsync "github.com/c0deZ3R0/go-offline-sync"
	"github.com/c0deZ3R0/go-offline-sync/model"
	"github.com/c0deZ3R0/go-offline-sync/queue"
)

// NewEnqueueCommand creates the enqueue command and its create, update and
// delete subcommands.
func NewEnqueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Apply a change locally and queue it for the server",
		Long: `Apply a change to the local store and queue it durably.

The change is pushed by the next sync pass: run "offsync sync" or keep
"offsync run" going in the background.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <entity-type> <fields-json>",
		Short: "Create an entity under a new client id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1])
			if err != nil {
				return err
			}
			return runEnqueue(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) (model.Action, error) {
				return e.Create(ctx, args[0], fields)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "update <id> <fields-json>",
		Short: "Change top-level fields of an entity",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields, err := parseFields(args[1])
			if err != nil {
				return err
			}
			return runEnqueue(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) (model.Action, error) {
				return e.Update(ctx, args[0], fields)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an entity",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEnqueue(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) (model.Action, error) {
				return e.Delete(ctx, args[0])
			})
		},
	})

	return cmd
}

func parseFields(arg string) (json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(arg), &obj); err != nil {
		return nil, fmt.Errorf("fields must be a JSON object: %w", err)
	}
	return json.RawMessage(arg), nil
}

func runEnqueue(opts *RootOptions, cmd *cobra.Command, fn func(context.Context, *offsync.Engine) (model.Action, error)) error {
	return withEngine(opts, cmd, func(ctx context.Context, e *offsync.Engine) error {
		a, err := fn(ctx, e)
		if err != nil {
			return err
		}
		return newFormatter(opts, cmd).Print(a, func(w io.Writer) {
			fmt.Fprintf(w, "queued %s %s %s\n", a.Kind, a.Target.ID, a.ID)
		})
	})
}

// NewGetCommand creates the get command.
func NewGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show the local copy of an entity",
		Long: `Show the local copy of an entity. A client id that the server has since
replaced is followed to the server id.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				ent, ok, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("entity %s not found", args[0])
				}
				return newFormatter(rootOpts, cmd).Print(ent, func(w io.Writer) {
					fmt.Fprintf(w, "%s (%s) rev %d\n%s\n", ent.ID, ent.Type, ent.Revision, ent.Fields)
				})
			})
		},
	}
}

// NewActionsCommand creates the actions command.
func NewActionsCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		statuses []string
		target   string
		limit    int
	)
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "List queued actions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := queue.Filter{Target: target, Limit: limit}
			for _, s := range statuses {
				st := model.Status(s)
				if !st.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				f.Statuses = append(f.Statuses, st)
			}
			return withEngine(rootOpts, cmd, func(ctx context.Context, e *offsync.Engine) error {
				actions, err := e.Actions(ctx, f)
				if err != nil {
					return err
				}
				return newFormatter(rootOpts, cmd).Print(actions, func(w io.Writer) {
					if len(actions) == 0 {
						fmt.Fprintln(w, "no queued actions")
						return
					}
					for _, a := range actions {
						printAction(w, a)
					}
				})
			})
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only actions in these states")
	cmd.Flags().StringVar(&target, "target", "", "only actions targeting this entity id")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum number of actions")
	return cmd
}
