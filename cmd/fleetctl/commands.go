package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/yourusername/devbox-orchestrator/internal/auth"
	"github.com/yourusername/devbox-orchestrator/internal/controlplane"
	"github.com/yourusername/devbox-orchestrator/internal/monitor"
	"github.com/yourusername/devbox-orchestrator/internal/scheduler"
	"github.com/yourusername/devbox-orchestrator/internal/telemetry"
)

type cycleCmd struct{}

func (c *cycleCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "cycle",
		Short: "Run one monitor cycle and publish the ranking",
	}
}

func (c *cycleCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := cl.connect(ctx)
	if err != nil {
		return err
	}
	cfg := cl.cfg

	source, err := telemetry.New(ctx, cfg, cl.logger)
	if err != nil {
		return err
	}
	workers := controlplane.NewClient(controlplane.Config{
		SharedSecret: cfg.ControlPlane.SharedSecret,
		Port:         cfg.ControlPlane.Port,
		Timeout:      cfg.ControlPlane.Timeout,
		Logger:       cl.logger,
	})

	report, err := monitor.New(source, workers, st, monitor.Config{
		TelemetryTimeout: cfg.Fleet.TelemetryTimeout,
		Capacity:         cfg.Fleet.Capacity,
		Weights:          cfg.Fleet.Weights,
		Logger:           cl.logger,
	}).RunCycle(ctx)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cl.out)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}

type poolCmd struct{}

func (c *poolCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show the worker ranking, least loaded first",
	}
}

func (c *poolCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	st, err := cl.connect(cmd.Context())
	if err != nil {
		return err
	}

	snapshot, err := st.Snapshot(cmd.Context())
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cl.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "WORKER\tSCORE\tIP\tCONTAINERS\tCLAIMED\tCPU")
	for _, entry := range snapshot.Workers {
		if entry.Summary == nil {
			fmt.Fprintf(w, "%s\t%.3f\t-\t-\t-\tstale\n", entry.WorkerID, entry.Score)
			continue
		}
		cpu := "-"
		if entry.Summary.CPUPercent != nil {
			cpu = fmt.Sprintf("%.1f%%", *entry.Summary.CPUPercent)
		}
		fmt.Fprintf(w, "%s\t%.3f\t%s\t%d\t%d\t%s\n",
			entry.WorkerID, entry.Score, entry.Summary.IP,
			entry.Summary.ContainerCount, entry.Summary.Claimed, cpu)
	}
	return w.Flush()
}

type selectCmd struct {
	keep bool
}

func (c *selectCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "select",
		Short: "Claim the worker the next user would get, then release the claim",
	}
	cmd.Flags().BoolVar(&c.keep, "keep", false, "keep the claim instead of releasing it")
	return cmd
}

func (c *selectCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	st, err := cl.connect(ctx)
	if err != nil {
		return err
	}

	allocator := scheduler.NewAllocator(st, scheduler.AllocatorConfig{
		Capacity:        cl.cfg.Fleet.Capacity,
		RetryBudget:     cl.cfg.Fleet.RetryBudget,
		CandidateWindow: cl.cfg.Fleet.CandidateWindow,
		Logger:          cl.logger,
	})

	summary, err := allocator.SelectWorker(ctx)
	if errors.Is(err, scheduler.ErrNoCapacity) {
		fmt.Fprintln(cl.out, "no worker has free capacity")
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Fprintf(cl.out, "%s %s (%d/%d occupied)\n", summary.WorkerID, summary.IP, summary.Occupied(), cl.cfg.Fleet.Capacity)
	if c.keep {
		return nil
	}
	return allocator.Release(ctx, summary.WorkerID)
}

type tokenCmd struct{}

func (c *tokenCmd) registerFlags() *cobra.Command {
	return &cobra.Command{
		Use:   "token <user-id>",
		Short: "Issue a user token for GET /server",
		Args:  cobra.ExactArgs(1),
	}
}

func (c *tokenCmd) run(cl *cli, cmd *cobra.Command, args []string) error {
	cfg, err := cl.loadConfig()
	if err != nil {
		return err
	}

	tokens, err := auth.NewTokens(cfg.TokenSecret(), cfg.Auth.TokenTTL)
	if err != nil {
		return err
	}

	token, err := tokens.Issue(args[0])
	if err != nil {
		return err
	}
	fmt.Fprintln(cl.out, token)
	return nil
}
