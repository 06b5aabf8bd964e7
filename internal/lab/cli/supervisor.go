package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/a-chakir/mqtt-lab/internal/contractnet/supervisor"
	"github.com/a-chakir/mqtt-lab/internal/metrics"
)

func newSupervisorCmd() *cobra.Command {
	var jobCount int

	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Run the supervisor agent: auction jobs to the machine fleet",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := openBus("supervisor")
			if err != nil {
				return err
			}
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

			outcomes, err := s.Run(ctx)
			if err != nil && ctx.Err() == nil {
				return err
			}

			printOutcomes(cmd, outcomes)
			return nil
		},
	}

	cmd.Flags().IntVar(&jobCount, "jobs", 0, "Number of jobs to dispatch (overrides configuration)")
	return cmd
}

func printOutcomes(cmd *cobra.Command, outcomes []supervisor.Outcome) {
	assigned := 0
	for _, o := range outcomes {
		if o.Assigned {
			assigned++
			cmd.Printf("job %s (%s): awarded to %s in %s (%d bids)\n",
				o.Job.ID, o.Job.Type, o.Winner, o.Agreed, o.BidCount)
		} else {
			cmd.Printf("job %s (%s): unassigned (no bids)\n", o.Job.ID, o.Job.Type)
		}
	}
	cmd.Printf("%d/%d jobs assigned\n", assigned, len(outcomes))
}

// serveMetrics exposes /metrics when the endpoint is enabled.
func serveMetrics(collector *metrics.Collector) {
	if !cfg.Metrics.Enabled {
		return
	}
	go func() {
		if err := collector.Serve(cfg.Metrics.Address); err != nil {
			log.Error("metrics endpoint failed", "address", cfg.Metrics.Address, "error", err)
		}
	}()
}
