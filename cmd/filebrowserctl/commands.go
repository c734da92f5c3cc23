package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/fruitsalade/filebrowser/internal/auth"
	"github.com/fruitsalade/filebrowser/internal/encoder"
	"github.com/fruitsalade/filebrowser/internal/session"
)

// usageError marks bad arguments (exit code 2).
type usageError struct {
	msg string
}

func (e *usageError) Error() string { return e.msg }

func rootFlag() cli.Flag {
	return &cli.StringFlag{
		Name:     "root",
		Aliases:  []string{"r"},
		Usage:    "absolute root folder of the user",
		Required: true,
	}
}

// pathEncoder binds the encoder to the --root flag.
func pathEncoder(cmd *cli.Command) *encoder.PathEncoder {
	users := session.StaticSource{User: &session.UserInfo{RootFolder: cmd.String("root")}}
	return encoder.NewPathEncoder(users)
}

func createEncodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "encode",
		Usage:     "print the client token of each absolute path",
		ArgsUsage: "<path>...",
		Flags:     []cli.Flag{rootFlag()},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return &usageError{"encode needs at least one path"}
			}
			paths := pathEncoder(cmd)
			for _, abs := range cmd.Args().Slice() {
				token, err := paths.ToClient(ctx, abs)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.Root().Writer, token)
			}
			return nil
		},
	}
}

func createDecodeCommand() *cli.Command {
	return &cli.Command{
		Name:      "decode",
		Usage:     "print the absolute path behind each client token (\"/\" is the root)",
		ArgsUsage: "<token>...",
		Flags: []cli.Flag{
			rootFlag(),
			&cli.BoolFlag{
				Name:  "resolve-symlinks",
				Usage: "also reject tokens whose target leaves the root through a symlink",
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			if cmd.NArg() == 0 {
				return &usageError{"decode needs at least one token"}
			}
			paths := pathEncoder(cmd)
			paths.ResolveSymlinks = cmd.Bool("resolve-symlinks")
			for _, token := range cmd.Args().Slice() {
				abs, err := paths.ToValue(ctx, token)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.Root().Writer, abs)
			}
			return nil
		},
	}
}

func createHomeCommand() *cli.Command {
	return &cli.Command{
		Name:      "home",
		Usage:     "print the root folder a user gets at login",
		ArgsUsage: "<username>",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "storage-root",
				Usage:   "folder holding one root folder per user",
				Value:   "/data/users",
				Sources: cli.EnvVars("STORAGE_ROOT"),
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.NArg() != 1 {
				return &usageError{"home needs exactly one username"}
			}
			root, err := auth.HomeFolder(cmd.String("storage-root"), cmd.Args().First())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, root)
			return nil
		},
	}
}

func createLogoutURLCommand() *cli.Command {
	return &cli.Command{
		Name:  "logout-url",
		Usage: "print the CAS logout URL the server redirects to",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "cas",
				Usage:   "CAS server base URL",
				Sources: cli.EnvVars("CAS_SERVER"),
			},
			&cli.StringFlag{
				Name:    "app",
				Usage:   "application server host[:port]",
				Sources: cli.EnvVars("APP_SERVER"),
			},
		},
		Action: func(_ context.Context, cmd *cli.Command) error {
			if cmd.String("cas") == "" || cmd.String("app") == "" {
				return &usageError{"logout-url needs --cas and --app (or CAS_SERVER and APP_SERVER)"}
			}
			target, err := auth.LogoutURL(cmd.String("cas"), cmd.String("app"))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.Root().Writer, target)
			return nil
		},
	}
}
