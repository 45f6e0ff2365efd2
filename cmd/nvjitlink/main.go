// nvjitlink links CUDA device code with libnvJitLink.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/frobware/go-nvjitlink/cmd/nvjitlink/cli"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	c := cli.New()
	parser, err := kong.New(c, cli.KongOptions()...)
	if err != nil {
		return fmt.Errorf("create parser: %w", err)
	}

	kctx, err := parser.Parse(args)
	if err != nil {
		parser.FatalIfErrorf(err)
	}
	kctx.BindTo(ctx, (*context.Context)(nil))
	return kctx.Run(c)
}
