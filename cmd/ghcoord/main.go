// Command ghcoord inspects and drives the bot's coordination database.
//
// Usage:
//
//	ghcoord schema check --db state.db
//	ghcoord channel append pr 1234 '{"state":"queued"}'
//	ghcoord channel read pr 1234 --follow
//	ghcoord dict get head 1234 --path ci.status --wait 30s
//	ghcoord flag check-and-set greeted 1234
//
// The database defaults to ./ghcoord.db; GHCOORD_DATABASE or DATABASE_URL
// select another one, and --db overrides both.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/roach88/ghcoord/internal/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cli.NewRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
