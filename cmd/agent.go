package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/reliefwings/skybridge/app"
	"github.com/reliefwings/skybridge/config"
	coreagent "github.com/reliefwings/skybridge/core/agent"
	"github.com/reliefwings/skybridge/core/telemetry"
	"github.com/reliefwings/skybridge/infra/logger"
	"github.com/reliefwings/skybridge/infra/outbox"
	"github.com/reliefwings/skybridge/infra/vehicle"
)

var agentCmd = &cobra.Command{
	Use:   "agent",
	Short: "Run the vehicle agent with a simulated telemetry source",
	RunE:  runAgent,
}

func runAgent(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateAgent(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	var box coreagent.Outbox
	var closers []func() error
	if cfg.Agent.OutboxPath != "" {
		sq, err := outbox.Open(cfg.Agent.OutboxPath)
		if err != nil {
			return fmt.Errorf("open outbox: %w", err)
		}
		box = sq
		closers = append(closers, sq.Close)
	}

	simCfg := cfg.Agent.Sim
	simCfg.DroneID = cfg.Agent.DroneID
	if cfg.Agent.SampleRateMS > 0 {
		simCfg.Rate = time.Duration(cfg.Agent.SampleRateMS) * time.Millisecond
	}
	sim := vehicle.NewSimulator(simCfg)

	handler := func(_ context.Context, c telemetry.Command) telemetry.CommandResult {
		logger.New("sim-vehicle").Infof("executing command %s (id=%s)", c.Name, c.ID)
		return telemetry.CommandResult{Success: true, Message: "simulated " + c.Name}
	}

	svc := app.NewAgent(cfg, processSamples(ctx, sim.Run(ctx)), handler, box, closers...)
	defer func() {
		if err := svc.Close(); err != nil {
			logger.New("main").Errorf("agent close: %v", err)
		}
	}()

	if err := svc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// processSamples validates and enriches every sample before it enters the
// streaming pipeline. Invalid samples are forwarded flagged, with their
// violations attached; the relay and its consumers decide what to do with
// them.
func processSamples(ctx context.Context, raw <-chan telemetry.Record) <-chan telemetry.Processed {
	log := logger.New("processor")
	proc := telemetry.NewProcessor(telemetry.DefaultRules(), log)
	out := make(chan telemetry.Processed, 16)
	go func() {
		defer close(out)
		health := time.NewTicker(time.Minute)
		defer health.Stop()
		for {
			select {
			case rec, ok := <-raw:
				if !ok {
					return
				}
				select {
				case out <- proc.Process(rec):
				case <-ctx.Done():
					return
				}
			case <-health.C:
				m := proc.Health()
				log.Infof("processed=%d invalid_rate=%.3f mean_interval=%.2fs", m.Processed, m.InvalidRate, m.MeanIntervalSec)
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
