package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
	"pkt.systems/pslog"

	"pkt.systems/editlock/api"
	"pkt.systems/editlock/client"
	"pkt.systems/editlock/internal/svcfields"
	"pkt.systems/editlock/tlsutil"
)

const (
	clientServerKey    = "client.server"
	clientBundleKey    = "client.bundle"
	clientUserKey      = "client.user"
	clientNameKey      = "client.name"
	clientEmailKey     = "client.email"
	clientRolesKey     = "client.roles"
	clientTokenKey     = "client.token"
	clientOutputKey    = "client.output"
	clientTimeoutKey   = "client.timeout"
	clientRetriesKey   = "client.retries"
	clientHeartbeatKey = "client.heartbeat_interval"
	clientLogLevelKey  = "client.log_level"

	defaultClientServer = "http://127.0.0.1:9443"
)

func newClientCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "client",
		Short: "Inspect and manipulate edit locks on a running server",
	}
	flags := cmd.PersistentFlags()
	flags.String("server", defaultClientServer, "server base URL (http://, https:// or unix:///path)")
	flags.String("bundle", "", "client bundle PEM for https servers (CA, certificate and key)")
	flags.StringP("user", "u", "", "user id presented in the identity headers")
	flags.String("name", "", "display name presented in the identity headers")
	flags.String("email", "", "email presented in the identity headers")
	flags.StringSlice("roles", nil, "roles presented in the identity headers")
	flags.String("token", "", "bearer token for servers using the tokens or webhook providers")
	flags.StringP("output", "o", "text", "output format (text, json, yaml)")
	flags.Duration("timeout", client.DefaultHTTPTimeout, "per-request HTTP timeout")
	flags.Int("retries", client.DefaultFailureRetries, "retries on transport failures")
	flags.Duration("heartbeat-interval", 0, "session heartbeat interval (0 follows the server; a longer value is capped to it)")
	flags.String("log-level", "none", "client log level (trace, debug, info, warn, error, none)")

	a.bind(clientServerKey, flags.Lookup("server"))
	a.bind(clientBundleKey, flags.Lookup("bundle"))
	a.bind(clientUserKey, flags.Lookup("user"))
	a.bind(clientNameKey, flags.Lookup("name"))
	a.bind(clientEmailKey, flags.Lookup("email"))
	a.bind(clientRolesKey, flags.Lookup("roles"))
	a.bind(clientTokenKey, flags.Lookup("token"))
	a.bind(clientOutputKey, flags.Lookup("output"))
	a.bind(clientTimeoutKey, flags.Lookup("timeout"))
	a.bind(clientRetriesKey, flags.Lookup("retries"))
	a.bind(clientHeartbeatKey, flags.Lookup("heartbeat-interval"))
	a.bind(clientLogLevelKey, flags.Lookup("log-level"))

	cmd.AddCommand(
		newClientCheckCommand(a),
		newClientAcquireCommand(a),
		newClientHeartbeatCommand(a),
		newClientReleaseCommand(a),
		newClientTakeoverCommand(a),
		newClientListCommand(a),
		newClientWatchCommand(a),
		newClientHealthCommand(a),
	)
	return cmd
}

// client builds an API client from the client.* settings.
func (a *app) client() (*client.Client, error) {
	v := a.v
	server := strings.TrimSpace(v.GetString(clientServerKey))
	if server == "" {
		server = defaultClientServer
	}
	opts := []client.Option{
		client.WithHTTPTimeout(v.GetDuration(clientTimeoutKey)),
		client.WithFailureRetries(v.GetInt(clientRetriesKey)),
		client.WithHeartbeatInterval(v.GetDuration(clientHeartbeatKey)),
	}
	if user := strings.TrimSpace(v.GetString(clientUserKey)); user != "" {
		opts = append(opts, client.WithIdentity(client.Identity{
			ID:    user,
			Name:  v.GetString(clientNameKey),
			Email: v.GetString(clientEmailKey),
			Roles: v.GetStringSlice(clientRolesKey),
		}))
	}
	if token := strings.TrimSpace(v.GetString(clientTokenKey)); token != "" {
		opts = append(opts, client.WithBearerToken(token))
	}
	if bundlePath := strings.TrimSpace(v.GetString(clientBundleKey)); bundlePath != "" {
		if !strings.HasPrefix(server, "https://") {
			return nil, fmt.Errorf("--bundle requires an https:// server, got %q", server)
		}
		expanded, err := expandPath(bundlePath)
		if err != nil {
			return nil, err
		}
		bundle, err := tlsutil.LoadClientBundle(expanded)
		if err != nil {
			return nil, err
		}
		tr := http.DefaultTransport.(*http.Transport).Clone()
		tr.TLSClientConfig = bundle.TLSConfig()
		opts = append(opts, client.WithHTTPClient(&http.Client{Transport: tr}))
	}
	logger, err := a.clientLogger()
	if err != nil {
		return nil, err
	}
	if logger != nil {
		opts = append(opts, client.WithLogger(logger))
	}
	return client.New(server, opts...)
}

func (a *app) clientLogger() (pslog.Logger, error) {
	levelStr := strings.ToLower(strings.TrimSpace(a.v.GetString(clientLogLevelKey)))
	switch levelStr {
	case "", "none", "off", "disabled":
		return nil, nil
	}
	level, ok := pslog.ParseLevel(levelStr)
	if !ok {
		return nil, fmt.Errorf("invalid client log level %q", levelStr)
	}
	return svcfields.WithSubsystem(a.logger, "client.cli").LogLevel(level), nil
}

func newClientCheckCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "check <resource>",
		Short: "Show who, if anyone, is editing a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			resp, err := cli.Check(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if !resp.Locked || resp.Lock == nil {
					fmt.Fprintf(w, "%s is free\n", args[0])
					return
				}
				fmt.Fprintf(w, "%s is being edited by %s\n", args[0], describeLock(resp.Lock, time.Now()))
			})
		},
	}
}

func newClientAcquireCommand(a *app) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "acquire <resource>",
		Short: "Acquire the edit lock on a resource",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			resp, err := cli.Acquire(cmd.Context(), args[0], session)
			if err != nil {
				return err
			}
			if err := a.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if resp.Success {
					fmt.Fprintf(w, "acquired %s\n", args[0])
					return
				}
				fmt.Fprintf(w, "%s is being edited by %s\n", args[0], describeLock(resp.Lock, time.Now()))
			}); err != nil {
				return err
			}
			if !resp.Success {
				return errConflict
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id to tag the lock with")
	return cmd
}

func newClientHeartbeatCommand(a *app) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:     "heartbeat <resource>",
		Aliases: []string{"renew"},
		Short:   "Renew a lock you hold",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			resp, err := cli.Heartbeat(cmd.Context(), args[0], session)
			if err != nil {
				return err
			}
			if err := a.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if resp.Success {
					fmt.Fprintf(w, "renewed %s\n", args[0])
					return
				}
				fmt.Fprintf(w, "%s is no longer yours: %s\n", args[0], resp.Error)
			}); err != nil {
				return err
			}
			if !resp.Success {
				return errLost
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id to tag the lock with")
	return cmd
}

func newClientReleaseCommand(a *app) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "release <resource>",
		Short: "Release a lock you hold",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			resp, err := cli.Release(cmd.Context(), args[0], session)
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if resp.Released {
					fmt.Fprintf(w, "released %s\n", args[0])
					return
				}
				fmt.Fprintf(w, "%s was not held by you\n", args[0])
			})
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id")
	return cmd
}

func newClientTakeoverCommand(a *app) *cobra.Command {
	var session string
	cmd := &cobra.Command{
		Use:   "takeover <resource>",
		Short: "Forcibly take the edit lock from its current holder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			resp, err := cli.Takeover(cmd.Context(), args[0], session)
			if err != nil {
				return err
			}
			if err := a.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				switch {
				case !resp.Success:
					fmt.Fprintf(w, "takeover of %s refused: %s\n", args[0], resp.Error)
				case resp.Previous != nil:
					fmt.Fprintf(w, "took %s over from %s\n", args[0], describeLock(resp.Previous, time.Now()))
				default:
					fmt.Fprintf(w, "acquired %s\n", args[0])
				}
			}); err != nil {
				return err
			}
			if !resp.Success {
				return errForbidden
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session id to tag the lock with")
	return cmd
}

func newClientListCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List every active lock",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			resp, err := cli.List(cmd.Context())
			if err != nil {
				return err
			}
			return a.render(cmd.OutOrStdout(), resp, func(w io.Writer) {
				if len(resp.Locks) == 0 {
					fmt.Fprintln(w, "no active locks")
					return
				}
				now := time.Now()
				for i := range resp.Locks {
					lock := &resp.Locks[i]
					fmt.Fprintf(w, "%s\t%s\n", lock.ResourceID, describeLock(lock, now))
				}
			})
		},
	}
}

func newClientWatchCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "watch <resource>",
		Short: "Stream lock events for a resource until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			w, err := cli.Watch(ctx, args[0])
			if err != nil {
				return err
			}
			defer w.Close()
			out := cmd.OutOrStdout()
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt, ok := <-w.Events():
					if !ok {
						return w.Err()
					}
					if err := a.render(out, evt, func(w io.Writer) {
						fmt.Fprintln(w, describeEvent(evt))
					}); err != nil {
						return err
					}
				}
			}
		},
	}
}

func newClientHealthCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Probe the server's liveness endpoint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cli, err := a.client()
			if err != nil {
				return err
			}
			if err := cli.Health(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

var (
	errConflict  = errors.New("resource is locked by someone else")
	errForbidden = errors.New("takeover not permitted")
	errLost      = errors.New("lock lost")
)

// render writes v as json or yaml, or calls text for the default format.
func (a *app) render(w io.Writer, v any, text func(io.Writer)) error {
	switch format := strings.ToLower(strings.TrimSpace(a.v.GetString(clientOutputKey))); format {
	case "", "text":
		text(w)
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		// Round-trip through JSON so yaml keys follow the wire field names.
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var generic any
		if err := yaml.Unmarshal(raw, &generic); err != nil {
			return err
		}
		out, err := yaml.Marshal(generic)
		if err != nil {
			return err
		}
		_, err = w.Write(out)
		return err
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

func describeLock(lock *api.Lock, now time.Time) string {
	if lock == nil {
		return "an unknown holder"
	}
	label := client.Snapshot{Locked: true, Owner: lock}.OwnerLabel()
	return fmt.Sprintf("%s (acquired %s, last heartbeat %s)",
		label, humanize.RelTime(lock.AcquiredAt, now, "ago", "from now"),
		humanize.RelTime(lock.LastHeartbeatAt, now, "ago", "from now"))
}

func describeEvent(evt api.LockEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s", evt.At.Format(time.RFC3339), evt.Type, evt.ResourceID)
	if evt.Lock != nil {
		fmt.Fprintf(&b, " holder=%s", evt.Lock.OwnerID)
	}
	if evt.Previous != nil {
		fmt.Fprintf(&b, " previous=%s", evt.Previous.OwnerID)
	}
	if evt.Actor != "" {
		fmt.Fprintf(&b, " actor=%s", evt.Actor)
	}
	return b.String()
}
