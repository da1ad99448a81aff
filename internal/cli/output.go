package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	offsync "github.com/c0deZ3R0/go-offline-sync"
	"github.com/c0deZ3R0/go-offline-sync/model"
)

// OutputFormatter writes command results as JSON or text.
type OutputFormatter struct {
	Format string
	Writer io.Writer
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
}

// Print encodes v in JSON mode and calls text otherwise.
func (f *OutputFormatter) Print(v any, text func(w io.Writer)) error {
	if f.Format == "json" {
		enc := json.NewEncoder(f.Writer)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(f.Writer)
	return nil
}

func printAction(w io.Writer, a model.Action) {
	fmt.Fprintf(w, "%s  %-6s %-22s %s", a.ID, a.Kind, a.Status, a.Target.ID)
	if a.EntityType != "" {
		fmt.Fprintf(w, " (%s)", a.EntityType)
	}
	if a.Attempt > 0 {
		fmt.Fprintf(w, " attempt=%d", a.Attempt)
	}
	if a.LastError != "" {
		fmt.Fprintf(w, " error=%q", a.LastError)
	}
	fmt.Fprintln(w)
}

// openEngine opens the engine for a short-lived command. Background passes
// are disabled; commands that push call SyncNow themselves.
func openEngine(opts *RootOptions, cmd *cobra.Command) (*offsync.Engine, error) {
	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return nil, err
	}
	e, err := offsync.Open(cfg)
	if err != nil {
		return nil, err
	}
	e.Lifecycle().NetworkLost()
	return e, nil
}

// withEngine runs fn against a prepared engine and closes it afterwards.
func withEngine(opts *RootOptions, cmd *cobra.Command, fn func(ctx context.Context, e *offsync.Engine) error) (err error) {
	e, err := openEngine(opts, cmd)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := e.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := e.Prepare(ctx); err != nil {
		return err
	}
	return fn(ctx, e)
}
