package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// FlagResult is the JSON payload of the flag commands.
type FlagResult struct {
	Domain string `json:"domain"`
	Item   string `json:"item"`
	Seen   bool   `json:"seen"`
}

// NewFlagCommand creates the flag command group.
func NewFlagCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag",
		Short: "Idempotency flags",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check-and-set <domain> <item>",
		Short: "Report whether a flag was set before, and set it",
		Long: `Atomically check and set an idempotency flag. Of any number of callers
racing on the same flag, exactly one sees "first time".`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlag(rootOpts, cmd, args[0], args[1], true)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "has <domain> <item>",
		Short: "Report whether a flag is set, without setting it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFlag(rootOpts, cmd, args[0], args[1], false)
		},
	})

	return cmd
}

func runFlag(opts *RootOptions, cmd *cobra.Command, domain, item string, set bool) error {
	f := opts.formatter(cmd)
	c, err := opts.open(cmd, f, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	var seen bool
	if set {
		seen, err = c.CheckAndSet(cmd.Context(), domain, item)
	} else {
		seen, err = c.Flags().Has(cmd.Context(), domain, item)
	}
	if err != nil {
		return f.Fail("flag", err)
	}

	res := FlagResult{Domain: domain, Item: item, Seen: seen}
	return f.Success(res, func(w io.Writer) {
		switch {
		case seen:
			fmt.Fprintf(w, "%s/%s: already seen\n", domain, item)
		case set:
			fmt.Fprintf(w, "%s/%s: first time\n", domain, item)
		default:
			fmt.Fprintf(w, "%s/%s: not set\n", domain, item)
		}
	})
}
