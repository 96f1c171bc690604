// Command nwp-trader runs the weather-model trading pipeline: detect fresh
// NWP files in public object storage, arbitrate them against API fallback
// data and turn threshold crossings into prediction-market orders.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/brendanplayford/nwp-trader/internal/app"
	"github.com/brendanplayford/nwp-trader/internal/config"
	"github.com/brendanplayford/nwp-trader/internal/logging"
	"github.com/brendanplayford/nwp-trader/pkg/schedule"
)

var rootCmd = &cobra.Command{
	Use:   "nwp-trader",
	Short: "Latency-sensitive NWP file detection and weather-market trading",
	Long: `nwp-trader watches public object-store buckets for fresh numerical
weather prediction files (HRRR, RAP, GFS, ECMWF), extracts per-city
forecasts the moment a file lands, and trades temperature and
precipitation threshold markets on the resulting edge.`,
	SilenceUsage: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the live pipeline",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		log := logging.New(cfg.LogLevel, cfg.LogJSON)

		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Run(ctx)
	},
}

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run one synthetic detection-to-order pass against the sim exchange",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		cfg.SimMode = true
		log := logging.New(cfg.LogLevel, false)

		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return a.Simulate(ctx)
	},
}

var scheduleCount int

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Print the upcoming model runs and their detection windows",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		configs, err := cfg.ModelConfigs()
		if err != nil {
			return err
		}
		log := logging.New("error", false)
		manager := schedule.NewManager(log, configs)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "MODEL\tCYCLE\tWINDOW START\tEXPECTED PUBLISH\tKEY")
		for _, run := range manager.UpcomingRuns(scheduleCount) {
			fmt.Fprintf(w, "%s\t%02dz\t%s\t%s\t%s\n",
				run.Window.Model,
				run.Window.CycleHour,
				run.Window.WindowStart.UTC().Format("2006-01-02 15:04"),
				run.Window.ExpectedPublishTime.UTC().Format("15:04"),
				run.File.Key,
			)
		}
		return w.Flush()
	},
}

func init() {
	scheduleCmd.Flags().IntVar(&scheduleCount, "count", 12, "number of upcoming runs to print")
	rootCmd.AddCommand(runCmd, simulateCmd, scheduleCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
