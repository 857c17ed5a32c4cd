// ./main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/xkilldash9x/scamhunter/cmd"
	"github.com/xkilldash9x/scamhunter/internal/observability"
)

var osExit = os.Exit

func main() {
	osExit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer observability.Sync()

	if err := cmd.Execute(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		return 1
	}
	return 0
}
