package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"pkt.systems/editlock/client"
)

// newEditCommand opens an interactive editing session. It shares the client
// command's persistent flags so `editlock edit` and `editlock client ...`
// are configured the same way.
func newEditCommand(a *app, clientCmd *cobra.Command) *cobra.Command {
	var noWatch bool
	cmd := &cobra.Command{
		Use:   "edit <resource>",
		Short: "Hold an edit lock interactively, with a banner showing who else is editing",
		Long: `edit acquires the lock on a resource and keeps it alive with heartbeats
until you quit. When someone else holds the lock a banner names them and
you can take it over. Commands read from stdin:

  t, takeover   take the lock from the current holder (asks to confirm)
  a, acquire    try to acquire again
  r, refresh    re-check the lock state
  q, quit       release the lock and exit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			out := &syncWriter{w: cmd.OutOrStdout()}
			return runEditSession(ctx, cli, args[0], cmd.InOrStdin(), out, !noWatch)
		},
	}
	cmd.Flags().AddFlagSet(clientCmd.PersistentFlags())
	cmd.Flags().BoolVar(&noWatch, "no-watch", false, "do not follow the server's event stream")
	return cmd
}

func runEditSession(ctx context.Context, cli *client.Client, resource string, in io.Reader, out io.Writer, follow bool) error {
	sess, err := cli.Open(ctx, resource)
	if err != nil {
		if sess != nil {
			_ = sess.Close()
		}
		return err
	}
	defer sess.Close()
	unsubscribe := sess.Subscribe(func(snap client.Snapshot) {
		fmt.Fprintln(out, banner(snap, time.Now()))
	})
	defer unsubscribe()
	if follow {
		if err := sess.Follow(ctx); err != nil {
			fmt.Fprintf(out, "watch unavailable: %v\n", err)
		}
	}
	if _, err := sess.AcquireLock(ctx); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()

	confirming := false
	for {
		select {
		case <-ctx.Done():
			return releaseOnExit(sess)
		case line, ok := <-lines:
			if !ok {
				return releaseOnExit(sess)
			}
			cmd := strings.ToLower(line)
			if confirming {
				confirming = false
				if cmd == "y" || cmd == "yes" {
					takeover(ctx, sess, out)
				} else {
					fmt.Fprintln(out, "takeover cancelled")
				}
				continue
			}
			switch cmd {
			case "":
			case "q", "quit", "exit":
				return releaseOnExit(sess)
			case "t", "takeover":
				if snap := sess.Snapshot(); snap.Conflict() {
					fmt.Fprintf(out, "take over from %s? [y/N] ", snap.OwnerLabel())
					confirming = true
					continue
				}
				takeover(ctx, sess, out)
			case "a", "acquire":
				if _, err := sess.AcquireLock(ctx); err != nil {
					fmt.Fprintf(out, "acquire failed: %v\n", err)
				}
			case "r", "refresh":
				if err := sess.Refresh(ctx); err != nil {
					fmt.Fprintf(out, "refresh failed: %v\n", err)
				}
			default:
				fmt.Fprintf(out, "unknown command %q (t, a, r or q)\n", line)
			}
		}
	}
}

func takeover(ctx context.Context, sess *client.Session, out io.Writer) {
	res, err := sess.TakeoverLock(ctx)
	if err != nil {
		fmt.Fprintf(out, "takeover failed: %v\n", err)
	} else if !res.Success {
		fmt.Fprintf(out, "takeover refused: %s\n", res.Error)
	}
}

func releaseOnExit(sess *client.Session) error {
	if !sess.HasLock() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), client.DefaultHTTPTimeout)
	defer cancel()
	return sess.ReleaseLock(ctx)
}

// banner renders the one-line status shown above an editor.
func banner(snap client.Snapshot, now time.Time) string {
	switch {
	case snap.HasLock:
		if snap.Reason == client.ReasonTakeover {
			return fmt.Sprintf("[%s] you took over editing", snap.Resource)
		}
		return fmt.Sprintf("[%s] you are editing (%s)", snap.Resource, snap.Reason)
	case snap.Conflict():
		held := "a moment"
		if d := snap.HeldFor(now); d >= time.Second {
			held = strings.TrimSpace(humanize.RelTime(now.Add(-d), now, "", ""))
		}
		return fmt.Sprintf("[%s] %s has been editing for %s; type t to take over",
			snap.Resource, snap.OwnerLabel(), held)
	case snap.Reason == client.ReasonLost:
		return fmt.Sprintf("[%s] you lost the lock; type a to acquire again", snap.Resource)
	default:
		return fmt.Sprintf("[%s] nobody is editing (%s)", snap.Resource, snap.Reason)
	}
}

// syncWriter serialises writes from subscriber callbacks and the prompt.
type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
