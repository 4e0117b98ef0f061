package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// SchemaStatus is the JSON payload of schema check.
type SchemaStatus struct {
	Path   string `json:"path"`
	Status string `json:"status"`
}

// NewSchemaCommand creates the schema command group.
func NewSchemaCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schema",
		Short: "Inspect the database schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "check",
		Short: "Create or verify the database schema",
		Long: `Open the database, creating the tables if they are missing, and verify
that every table matches the expected layout.

Exit codes:
  0 - Schema matches
  1 - Schema mismatch (extra, missing or changed tables)
  2 - Command error`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSchemaCheck(rootOpts, cmd)
		},
	})

	return cmd
}

func runSchemaCheck(opts *RootOptions, cmd *cobra.Command) error {
	f := opts.formatter(cmd)
	c, err := opts.open(cmd, f, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	status := SchemaStatus{Path: c.Store().Path(), Status: "ok"}
	return f.Success(status, func(w io.Writer) {
		fmt.Fprintf(w, "✓ schema OK (%s)\n", status.Path)
	})
}
