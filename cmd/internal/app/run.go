package app

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// Run is the entrypoint used by cmd/entityauth.
// It returns an error instead of calling os.Exit to keep defers effective.
func Run() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	return Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
}

// Execute runs the command tree against args. Results go to stdout, logs to stderr.
func Execute(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	return root.ExecuteContext(ctx)
}
