package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dxpipe/pkg/metrics"
)

var metricsCmd = &cobra.Command{
	Use:   "metrics [run-id]",
	Short: "Query aggregated pipeline metrics from Prometheus",
	Long: `Summarizes pipeline metrics scraped by a Prometheus server. With a run
id, shows that run's task and loop-back counts; without one, shows per-tool
invocation totals. Requires metrics.prometheus_url in the config.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}
		if cfg.Metrics.PrometheusURL == "" {
			return fmt.Errorf("metrics.prometheus_url is not configured")
		}

		service, err := metrics.NewQueryService(cfg.Metrics.PrometheusURL)
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		if len(args) == 1 {
			run, err := service.GetRunMetrics(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "Run:             %s\n", run.RunID)
			fmt.Fprintf(w, "Tasks succeeded: %d\n", run.TasksSucceeded)
			fmt.Fprintf(w, "Tasks failed:    %d\n", run.TasksFailed)
			fmt.Fprintf(w, "Tasks total:     %d\n", run.TasksTotal)
			fmt.Fprintf(w, "Loop-backs:      %d\n", run.LoopBacks)
			return nil
		}

		tools, err := service.GetToolMetrics(cmd.Context())
		if err != nil {
			return err
		}
		if len(tools) == 0 {
			fmt.Fprintln(w, "No tool metrics recorded.")
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TOOL\tINVOCATIONS\tERRORS\tMEAN LATENCY")
		for _, tool := range tools {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%.3fs\n",
				tool.Tool, tool.Invocations, tool.Errors, tool.MeanSeconds)
		}
		return tw.Flush()
	},
}
