package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/ghcoord/internal/config"
	"github.com/roach88/ghcoord/internal/value"
)

// DictView is the JSON payload of dict get and dict update.
type DictView struct {
	Domain string          `json:"domain"`
	Item   string          `json:"item"`
	Path   string          `json:"path,omitempty"`
	Value  json.RawMessage `json:"value"`
}

// NewDictCommand creates the dict command group.
func NewDictCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dict",
		Short: "Read and merge monotonic dict entries",
	}
	cmd.AddCommand(newDictGetCommand(rootOpts))
	cmd.AddCommand(newDictUpdateCommand(rootOpts))
	return cmd
}

func newDictGetCommand(opts *RootOptions) *cobra.Command {
	var (
		path string
		wait time.Duration
	)
	cmd := &cobra.Command{
		Use:   "get <domain> <item>",
		Short: "Print a dict entry or one path inside it",
		Long: `Print a dict entry. An entry nobody wrote is the empty object.

With --path, print only the value at a dotted path ("check_suite.id",
"runs.0.conclusion"); a missing path exits with code 1. Add --wait to block
until the path appears, for at most the given duration.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			if wait > 0 && path == "" {
				return NewExitError(ExitCommandError, "--wait requires --path")
			}

			var adjust func(*config.Config)
			if wait > 0 {
				adjust = func(cfg *config.Config) {
					if cfg.Subscribe.PollInterval <= 0 {
						cfg.Subscribe.PollInterval = defaultFollowPoll
					}
				}
			}
			c, err := opts.open(cmd, f, adjust)
			if err != nil {
				return err
			}
			defer c.Close()

			domain, item := args[0], args[1]
			var found value.Value
			switch {
			case wait > 0:
				ctx, cancel := context.WithTimeout(cmd.Context(), wait)
				defer cancel()
				found, err = c.Await(ctx, domain, item, path)
				if errors.Is(err, context.DeadlineExceeded) {
					return notFound(f, domain, item, path)
				}
				if err != nil {
					return f.Fail("await dict path", err)
				}
			default:
				entry, err := c.Dicts().Get(cmd.Context(), domain, item)
				if err != nil {
					return f.Fail("read dict", err)
				}
				var ok bool
				found, ok = value.Lookup(entry, path)
				if !ok {
					return notFound(f, domain, item, path)
				}
			}

			view := DictView{Domain: domain, Item: item, Path: path, Value: rawJSON(found)}
			return f.Success(view, func(w io.Writer) {
				fmt.Fprintln(w, string(view.Value))
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "dotted path inside the entry")
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for --path to appear")
	return cmd
}

func notFound(f *OutputFormatter, domain, item, path string) error {
	msg := fmt.Sprintf("%s/%s has no value at %q", domain, item, path)
	if err := f.Error(ErrCodeNotFound, msg, nil); err != nil {
		return WrapExitError(ExitCommandError, "write output", err)
	}
	return NewExitError(ExitFailure, msg)
}

func newDictUpdateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "update <domain> <item> <json-object>",
		Short: "Merge a fragment into a dict entry",
		Long: `Merge a JSON object into a dict entry and print the result.

Merging only adds information: a fragment that disagrees with a stored value
is a conflict (exit code 1) and the entry is left unchanged.

Example:
  ghcoord dict update head 1234 '{"sha":"abc123","ci":{"status":"pending"}}'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := opts.formatter(cmd)
			fragment, err := parseJSONArg(f, args[2])
			if err != nil {
				return err
			}

			c, err := opts.open(cmd, f, nil)
			if err != nil {
				return err
			}
			defer c.Close()

			domain, item := args[0], args[1]
			if err := c.Update(cmd.Context(), domain, item, fragment); err != nil {
				return f.Fail("update dict", err)
			}
			entry, err := c.Dicts().Get(cmd.Context(), domain, item)
			if err != nil {
				return f.Fail("read dict", err)
			}

			view := DictView{Domain: domain, Item: item, Value: rawJSON(entry)}
			return f.Success(view, func(w io.Writer) {
				fmt.Fprintln(w, string(view.Value))
			})
		},
	}
}
