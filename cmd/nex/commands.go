package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/esmukingi/NexChat/cmd/internal/auth/session"
	"github.com/esmukingi/NexChat/cmd/internal/chat"
	v1 "github.com/esmukingi/NexChat/shared/contracts/realtime/v1"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Keep the session and realtime link up; serves NEX_OPS_ADDR if set",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signalContext(cmd.Context())
			defer stop()
			return c.app.Run(ctx)
		},
	}
}

func (c *cli) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Verify the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			u, err := c.requireSession(cmd.Context())
			if err != nil {
				return err
			}
			printUser(cmd.OutOrStdout(), u)
			return nil
		},
	}
}

func (c *cli) signupCmd() *cobra.Command {
	var name, email string
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account and sign in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readPassword(cmd)
			if err != nil {
				return err
			}
			u, err := c.app.Session.Signup(cmd.Context(), session.SignupInput{FullName: name, Email: email, Password: pw})
			if err != nil {
				return err
			}
			printUser(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "full name")
	cmd.Flags().StringVar(&email, "email", "", "email address")
	return cmd
}

func (c *cli) loginCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in; the password is read from the terminal or stdin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pw, err := readPassword(cmd)
			if err != nil {
				return err
			}
			u, err := c.app.Session.Login(cmd.Context(), session.LoginInput{Email: email, Password: pw})
			if err != nil {
				return err
			}
			printUser(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "email address")
	return cmd
}

func (c *cli) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and forget the local credential",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.app.Session.Logout(cmd.Context())
		},
	}
}

func (c *cli) profileCmd() *cobra.Command {
	var pic string
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update the profile picture (URL or data URI)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := c.requireSession(cmd.Context()); err != nil {
				return err
			}
			u, err := c.app.Session.UpdateProfile(cmd.Context(), session.ProfileUpdate{ProfilePic: pic})
			if err != nil {
				return err
			}
			printUser(cmd.OutOrStdout(), u)
			return nil
		},
	}
	cmd.Flags().StringVar(&pic, "pic", "", "profile picture")
	return cmd
}

func (c *cli) usersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List the people you can chat with",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := c.requireSession(cmd.Context()); err != nil {
				return err
			}
			peers, err := c.app.Chat.LoadPeers(cmd.Context())
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			_, _ = fmt.Fprintln(tw, "ID\tNAME\tEMAIL")
			for _, p := range peers {
				_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", p.ID, p.FullName, p.Email)
			}
			return tw.Flush()
		},
	}
}

func (c *cli) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <peer-id>",
		Short: "Print the conversation with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := c.requireSession(cmd.Context())
			if err != nil {
				return err
			}
			msgs, err := c.openConversation(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			for _, m := range msgs {
				printMessage(cmd.OutOrStdout(), me.ID, m)
			}
			return nil
		},
	}
}

func (c *cli) sendCmd() *cobra.Command {
	var image string
	cmd := &cobra.Command{
		Use:   "send <peer-id> [text...]",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			me, err := c.requireSession(cmd.Context())
			if err != nil {
				return err
			}
			if err := c.app.Chat.SelectPeer(&v1.User{ID: args[0]}); err != nil {
				return err
			}
			m, err := c.app.Chat.Send(cmd.Context(), args[0], chat.Payload{
				Text:  strings.Join(args[1:], " "),
				Image: image,
			})
			if err != nil {
				return err
			}
			printMessage(cmd.OutOrStdout(), me.ID, *m)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "image URL or data URI")
	return cmd
}

func (c *cli) listenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "listen [peer-id]",
		Short: "Follow presence and incoming messages until interrupted",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			ctx, stop := signalContext(cmd.Context())
			defer stop()

			// Tee pushed messages to the terminal before the link opens.
			c.app.Link.Bind(&teeSink{next: c.app.Chat, out: out, me: c.app.Session.User}, c.app.Session, c.app.Session.HandleUnauthorized)

			me, err := c.requireSession(ctx)
			if err != nil {
				return err
			}
			if len(args) == 1 {
				msgs, err := c.openConversation(ctx, args[0])
				if err != nil {
					return err
				}
				for _, m := range msgs {
					printMessage(out, me.ID, m)
				}
			}

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return watchPresence(gctx, out, c.app.Link.Presence)
			})
			g.Go(func() error {
				return watchSession(gctx, c.app.Session.State)
			})
			err = g.Wait()
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
}

func (c *cli) requireSession(ctx context.Context) (*v1.User, error) {
	u, err := c.app.Session.CheckSession(ctx)
	if err != nil {
		return nil, fmt.Errorf("not signed in: %w", err)
	}
	return u, nil
}

func (c *cli) openConversation(ctx context.Context, peerID string) ([]v1.Message, error) {
	if err := c.app.Chat.SelectPeer(&v1.User{ID: peerID}); err != nil {
		return nil, err
	}
	return c.app.Chat.LoadHistory(ctx, peerID)
}

// teeSink forwards pushed messages to the store and prints the ones it accepted.
type teeSink struct {
	next interface{ MergeIncoming(v1.Message) bool }
	out  io.Writer
	me   func() *v1.User
}

func (t *teeSink) MergeIncoming(m v1.Message) bool {
	added := t.next.MergeIncoming(m)
	if added {
		var myID string
		if u := t.me(); u != nil {
			myID = u.ID
		}
		printMessage(t.out, myID, m)
	}
	return added
}

const watchEvery = 500 * time.Millisecond

func watchPresence(ctx context.Context, out io.Writer, presence func() []string) error {
	t := time.NewTicker(watchEvery)
	defer t.Stop()

	var last []string
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			now := presence()
			if !slices.Equal(now, last) {
				_, _ = fmt.Fprintf(out, "online: %s\n", strings.Join(now, ", "))
				last = now
			}
		}
	}
}

var errSessionEnded = errors.New("session ended")

func watchSession(ctx context.Context, state func() session.State) error {
	t := time.NewTicker(watchEvery)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			if state() == session.StateAnonymous {
				return errSessionEnded
			}
		}
	}
}

func printUser(w io.Writer, u *v1.User) {
	_, _ = fmt.Fprintf(w, "%s  %s <%s>\n", u.ID, u.FullName, u.Email)
}

func printMessage(w io.Writer, myID string, m v1.Message) {
	who := m.SenderID
	if who == myID {
		who = "me"
	}
	line := m.Text
	if m.Image != "" {
		line = strings.TrimSpace(line + " [image]")
	}
	_, _ = fmt.Fprintf(w, "%s  %-12s %s\n", m.CreatedAt.Local().Format("2006-01-02 15:04"), who, line)
}

// readPassword prompts without echo on a terminal and reads one line otherwise.
func readPassword(cmd *cobra.Command) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		_, _ = fmt.Fprint(cmd.ErrOrStderr(), "Password: ")
		b, err := term.ReadPassword(int(f.Fd()))
		_, _ = fmt.Fprintln(cmd.ErrOrStderr())
		return string(b), err
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
