package cli

import (
	"fmt"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/a-chakir/mqtt-lab/internal/metrics"
	"github.com/a-chakir/mqtt-lab/internal/sensornet"
)

func newSensorNetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sensornet",
		Short: "Run the sensor network: simulated sensors, averaging and anomaly detection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			b, err := openBus("sensornet")
			if err != nil {
				return err
			}
			defer b.Close()

			collector := metrics.NewCollector("mqttlab", log)
			serveMetrics(collector)

			snCfg := cfg.SensorNet
			if len(snCfg.Zones) == 0 || len(snCfg.SensorTypes) == 0 {
				return fmt.Errorf("sensornet configuration needs at least one zone and one sensor type")
			}

			group, groupCtx := errgroup.WithContext(ctx)

			// One sensor and one averaging agent per zone/type pair, one
			// detector for the whole network.
			for _, zone := range snCfg.Zones {
				for sensorType, profile := range snCfg.SensorTypes {
					sensorID := zone + "_" + sensorType
					sensor, err := sensornet.NewSensor(sensornet.SensorOptions{
						ID:         sensorID,
						Zone:       zone,
						SensorType: sensorType,
						Base:       profile.Base,
						Amplitude:  profile.Amplitude,
						Interval:   snCfg.PublishInterval.Std(),
						Faulty:     slices.Contains(snCfg.FaultySensors, sensorID),
					}, b, log)
					if err != nil {
						return err
					}
					group.Go(func() error { return sensor.Run(groupCtx) })

					averager, err := sensornet.NewAverager(zone, sensorType,
						snCfg.Window.Std(), snCfg.AverageInterval.Std(), b, log)
					if err != nil {
						return err
					}
					group.Go(func() error { return averager.Run(groupCtx) })
				}
			}

			detector := sensornet.NewDetector(snCfg.Window.Std(), b, collector, log)
			group.Go(func() error { return detector.Run(groupCtx) })

			if err := group.Wait(); err != nil && ctx.Err() == nil {
				return err
			}

			alerts, resets := detector.Stats()
			cmd.Printf("sensornet stopped: %d alerts, %d resets\n", alerts, resets)
			return nil
		},
	}

	return cmd
}
