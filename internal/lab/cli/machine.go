package cli

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/a-chakir/mqtt-lab/internal/contractnet/machine"
	"github.com/a-chakir/mqtt-lab/internal/metrics"
)

func newMachineCmd() *cobra.Command {
	var machineID string

	cmd := &cobra.Command{
		Use:   "machine",
		Short: "Run one machine agent: bid on jobs and execute the ones it wins",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			machineCfg, err := cfg.MachineByID(machineID)
			if err != nil {
				return err
			}

			b, err := openBus(machineID)
			if err != nil {
				return err
			}
			defer b.Close()

			collector := metrics.NewCollector("mqttlab", log)
			serveMetrics(collector)

			m, err := machine.New(*machineCfg, b, collector, log)
			if err != nil {
				return err
			}

			if err := m.Run(ctx); err != nil {
				return err
			}

			submitted, won, completed := m.Stats()
			cmd.Printf("%s: %d bids, %d won, %d completed\n", machineID, submitted, won, completed)
			return nil
		},
	}

	cmd.Flags().StringVar(&machineID, "id", "", "Machine id from the configured fleet (required)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
