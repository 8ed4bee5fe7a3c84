// Command hyphe-text-indexer runs the indexing coordinator that feeds a
// crawler's stored HTML pages into a full-text search index.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ksysoev/hyphe-text-indexer/pkg/cmd"
)

// version is overridden at build time via -ldflags.
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := cmd.InitCommand(cmd.BuildInfo{
		Version: version,
		AppName: "hyphe-text-indexer",
	})

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err) //nolint:forbidigo // CLI error output is intentional
		os.Exit(1)
	}
}
