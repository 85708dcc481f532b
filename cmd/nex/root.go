package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/app"
	"github.com/esmukingi/NexChat/cmd/internal/notify"

	"github.com/spf13/cobra"
)

// cli carries the engine between cobra hooks.
type cli struct {
	root *cobra.Command
	app  *app.App
	opts []app.Option
}

func newCLI(opts ...app.Option) *cli {
	c := &cli{opts: opts}
	c.root = c.rootCmd()
	return c
}

// Execute runs the command line and always releases the engine.
func (c *cli) Execute() error {
	defer func() { _ = c.close() }()
	return c.root.Execute()
}

func (c *cli) rootCmd() *cobra.Command {

	root := &cobra.Command{
		Use:           "nex",
		Short:         "nex talks to a Nex chat backend from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			opts := append([]app.Option{app.WithNotifier(printNotifier(cmd.ErrOrStderr()))}, c.opts...)
			a, err := app.Bootstrap(cmd.Context(), opts...)
			if err != nil {
				return err
			}
			c.app = a
			return nil
		},
	}

	root.AddCommand(
		c.serveCmd(),
		c.checkCmd(),
		c.signupCmd(),
		c.loginCmd(),
		c.logoutCmd(),
		c.profileCmd(),
		c.usersCmd(),
		c.historyCmd(),
		c.sendCmd(),
		c.listenCmd(),
	)
	return root
}

func (c *cli) close() error {
	if c.app == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.app.Close(ctx)
}

// printNotifier renders user-facing notifications as terminal lines.
func printNotifier(w io.Writer) notify.Notifier {
	return notify.Func(func(_ context.Context, n notify.Notification) {
		mark := "ok"
		if n.Level == notify.LevelError {
			mark = "!!"
		}
		_, _ = fmt.Fprintf(w, "[%s] %s\n", mark, n.Message)
	})
}
