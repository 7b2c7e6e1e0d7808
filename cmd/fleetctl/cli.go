package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/yourusername/devbox-orchestrator/internal/config"
	"github.com/yourusername/devbox-orchestrator/internal/store"
)

// cli 运维命令行：读取与编排器相同的配置，直接访问共享排名
type cli struct {
	rootCmd *cobra.Command
	out     io.Writer

	configPath string
	cfg        *config.Config
	logger     *logrus.Logger
	store      *store.RedisStore
}

func newCLI(out io.Writer) *cli {
	c := &cli{out: out}

	c.rootCmd = &cobra.Command{
		Use:                "fleetctl",
		Short:              "fleetctl inspects and drives the devbox fleet scheduler",
		SilenceUsage:       true,
		PersistentPostRunE: c.close,
	}
	c.rootCmd.SetOut(out)
	c.rootCmd.PersistentFlags().StringVar(&c.configPath, "config", "", "config file path (defaults and env only when empty)")

	c.addCmd(&cycleCmd{})
	c.addCmd(&poolCmd{})
	c.addCmd(&selectCmd{})
	c.addCmd(&tokenCmd{})

	return c
}

func (c *cli) exec(args []string) error {
	c.rootCmd.SetArgs(args)
	return c.rootCmd.Execute()
}

func (c *cli) loadConfig() (*config.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}

	cfg, err := config.Load(c.configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(config.LoggingConfig{Level: cfg.Logging.Level, Format: "text", Output: "stderr"})
	if err != nil {
		return nil, err
	}

	c.cfg, c.logger = cfg, logger
	return cfg, nil
}

func (c *cli) connect(ctx context.Context) (*store.RedisStore, error) {
	if c.store != nil {
		return c.store, nil
	}

	cfg, err := c.loadConfig()
	if err != nil {
		return nil, err
	}

	st, err := store.Connect(ctx, store.Options{
		Addr:           cfg.Storage.Redis.Addr,
		Password:       cfg.Storage.Redis.Password,
		DB:             cfg.Storage.Redis.DB,
		DialTimeout:    cfg.Storage.Redis.DialTimeout,
		ConnectRetries: cfg.Storage.Redis.ConnectRetries,
		EntryTTL:       cfg.Fleet.EntryTTL,
		Logger:         c.logger,
	})
	if err != nil {
		return nil, err
	}
	c.store = st
	return st, nil
}

func (c *cli) close(*cobra.Command, []string) error {
	if c.store != nil {
		return c.store.Close()
	}
	return nil
}

func (c *cli) addCmd(cmd command) {
	cobraCmd := cmd.registerFlags()
	cobraCmd.RunE = func(innerCmd *cobra.Command, args []string) error {
		return cmd.run(c, innerCmd, args)
	}
	c.rootCmd.AddCommand(cobraCmd)
}

type command interface {
	registerFlags() *cobra.Command
	run(c *cli, cmd *cobra.Command, args []string) error
}

func main() {
	if err := newCLI(os.Stdout).exec(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
