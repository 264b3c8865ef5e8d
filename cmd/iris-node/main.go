package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"iris/internal/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// globals holds the persistent flags shared by every subcommand.
type globals struct {
	home       string
	configPath string
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(&globals{})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(stderr, "error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd(g *globals) *cobra.Command {
	root := &cobra.Command{
		Use:           "iris-node",
		Short:         "Peer-to-peer node with authenticated sessions and peer/shard gossip",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.home, "home", "", "node state dir (default $IRIS_HOME or ~/.iris)")
	root.PersistentFlags().StringVar(&g.configPath, "config", "", "config file (default <home>/config.toml)")

	root.AddCommand(runCmd(g), idCmd(g), shardsCmd(g), devCACmd())
	return root
}

// loadConfig layers file, IRIS_* environment and --home, in that order.
func (g *globals) loadConfig() (config.Config, error) {
	home := g.home
	if home == "" {
		home = config.DefaultHome()
	}
	path := g.configPath
	if path == "" {
		path = filepath.Join(home, "config.toml")
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, err
	}
	if g.home != "" {
		cfg.Home = g.home
	}
	return cfg, nil
}

var errUsage = errors.New("invalid arguments")
