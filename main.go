// replnet serves interactive console sessions over TCP, with a
// separate control channel for tab completion and interrupts.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"replnet/cmd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := cmd.Execute(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "replnet: %v\n", err)
		os.Exit(1)
	}
}
