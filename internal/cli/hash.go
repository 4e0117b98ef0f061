package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/ghcoord/internal/value"
)

// HashResult is the JSON payload of hash.
type HashResult struct {
	Hash      string `json:"hash"`
	Canonical string `json:"canonical"`
}

// NewHashCommand creates the hash command.
func NewHashCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "hash <json>",
		Short: "Print the content hash of a JSON value",
		Long: `Print the content hash of a JSON value: SHA-256 over its canonical
encoding, truncated to 128 bits, URL-safe base64 without padding. Equal values
hash equally regardless of key order or Unicode normalization form.

Does not open the database.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := rootOpts.formatter(cmd)
			v, err := parseJSONArg(f, args[0])
			if err != nil {
				return err
			}
			h, err := value.Hash(v)
			if err != nil {
				return f.Fail("hash", err)
			}
			res := HashResult{Hash: h, Canonical: canonicalText(v)}
			f.VerboseLog("canonical: %s", res.Canonical)
			return f.Success(res, func(w io.Writer) {
				fmt.Fprintln(w, res.Hash)
			})
		},
	}
}
