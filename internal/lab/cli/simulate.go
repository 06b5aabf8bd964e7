package cli

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/a-chakir/mqtt-lab/internal/bus"
	"github.com/a-chakir/mqtt-lab/internal/contractnet/machine"
	"github.com/a-chakir/mqtt-lab/internal/contractnet/supervisor"
	"github.com/a-chakir/mqtt-lab/internal/metrics"
)

func newSimulateCmd() *cobra.Command {
	var jobCount int

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the supervisor and the whole machine fleet in one process",
		Long: `simulate runs a complete contract-net round trip without a broker:
the supervisor and every configured machine share an in-memory bus.
It dispatches the configured number of jobs and prints the outcomes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b := bus.NewMemoryBus()
			defer b.Close()

			collector := metrics.NewCollector("mqttlab", log)
			serveMetrics(collector)

			auctionCfg := cfg.Auction
			if jobCount > 0 {
				auctionCfg.JobCount = jobCount
			}

			s, err := supervisor.New(b, auctionCfg, collector, log)
			if err != nil {
				return err
			}

			// Machines run until the auctions are done, then get cancelled.
			fleetCtx, stopFleet := context.WithCancel(ctx)
			defer stopFleet()

			group, groupCtx := errgroup.WithContext(fleetCtx)
			fleet := make([]*machine.Machine, 0, len(cfg.Machines))
			for _, machineCfg := range cfg.Machines {
				m, err := machine.New(machineCfg, b, collector, log)
				if err != nil {
					return err
				}
				fleet = append(fleet, m)
				group.Go(func() error { return m.Run(groupCtx) })
			}

			// Give the fleet a beat to establish its subscriptions before
			// the first CfP goes out.
			waitForFleet(b, len(fleet))

			outcomes, err := s.Run(ctx)
			if err != nil && ctx.Err() == nil {
				stopFleet()
				_ = group.Wait()
				return err
			}

			stopFleet()
			if err := group.Wait(); err != nil && fleetCtx.Err() == nil {
				return err
			}

			printOutcomes(cmd, outcomes)
			for _, m := range fleet {
				submitted, won, completed := m.Stats()
				cmd.Printf("%s: %d bids, %d won, %d completed\n", m.ID(), submitted, won, completed)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&jobCount, "jobs", 0, "Number of jobs to dispatch (overrides configuration)")
	return cmd
}

// waitForFleet blocks until every machine has its three subscriptions
// live, or a short timeout passes.
func waitForFleet(b *bus.MemoryBus, machines int) {
	deadline := time.Now().Add(2 * time.Second)
	for b.SubscriberCount() < 3*machines && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
}
