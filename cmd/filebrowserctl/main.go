// filebrowserctl is the operator tool for the file browser.
//
// Usage:
//
//	filebrowserctl encode --root /data/users/alice /data/users/alice/docs
//	filebrowserctl decode --root /data/users/alice /docs
//	filebrowserctl home --storage-root /data/users alice
//	filebrowserctl logout-url --cas https://cas.example.com --app files.example.com
//
// Exit codes: 0 success, 1 a path or URL was rejected, 2 usage error.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/fruitsalade/filebrowser/internal/config"
)

func main() {
	os.Exit(run(context.Background(), os.Args, os.Stdout, os.Stderr))
}

func createApp(stdout, stderr io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "filebrowserctl",
		Usage:     "inspect path tokens and single sign-on URLs",
		Version:   config.Version,
		Writer:    stdout,
		ErrWriter: stderr,
		Commands: []*cli.Command{
			createEncodeCommand(),
			createDecodeCommand(),
			createHomeCommand(),
			createLogoutURLCommand(),
		},
		// Exit codes are mapped in run.
		ExitErrHandler: func(context.Context, *cli.Command, error) {},
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if err := createApp(stdout, stderr).Run(ctx, args); err != nil {
		var usage *usageError
		if errors.As(err, &usage) {
			fmt.Fprintf(stderr, "usage error: %v\n", err)
			return 2
		}
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
