package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/editlock"
	"pkt.systems/editlock/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("EDITLOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "editlock")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

// app carries the viper instance shared by every subcommand of one root
// command.
type app struct {
	v      *viper.Viper
	logger pslog.Logger
}

func newApp(baseLogger pslog.Logger) *app {
	a := &app{v: viper.New(), logger: baseLogger}
	a.v.SetEnvPrefix("EDITLOCK")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	a.v.AutomaticEnv()
	return a
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	a := newApp(baseLogger)
	cmd := &cobra.Command{
		Use:           "editlock",
		Short:         "editlock hands out renewable edit locks so two people never edit the same resource at once",
		SilenceErrors: true,
		SilenceUsage:  true,
		Example: `
  # Single node, in-memory
  editlock serve --store mem://

  # Redis-backed cluster node behind a proxy that sets X-Editlock-User-* headers
  EDITLOCK_STORE=redis://redis:6379/0 editlock serve --listen :9443

  # Who is editing article-42?
  editlock client check article-42 --server http://127.0.0.1:9443

  # Interactive editing session with a conflict banner
  editlock edit article-42 --user alice --name "Alice Doe"
`,
	}
	persistent := cmd.PersistentFlags()
	persistent.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.editlock/"+editlock.DefaultConfigFileName+")")
	a.bind("config", persistent.Lookup("config"))

	cmd.AddCommand(newServeCommand(a))
	clientCmd := newClientCommand(a)
	cmd.AddCommand(clientCmd)
	cmd.AddCommand(newEditCommand(a, clientCmd))
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newAuthCommand())
	cmd.AddCommand(newVerifyCommand(a))
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func (a *app) bind(key string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := a.v.BindPFlag(key, flag); err != nil {
		panic(err)
	}
}

func (a *app) subsystem(name string) pslog.Logger {
	return svcfields.WithSubsystem(a.logger, name)
}

// loadConfigFile reads --config, or the default config file when present.
func (a *app) loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(a.v.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if dir, err := editlock.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, editlock.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	a.v.SetConfigFile(expanded)
	if err := a.v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func parseBytes(name, raw string) (uint64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	size, err := humanize.ParseBytes(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", name, err)
	}
	return size, nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
