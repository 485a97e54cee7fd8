package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"dxpipe/internal/kernel"
	"dxpipe/pkg/pipeline"
	"dxpipe/pkg/proto"
)

var runCmd = &cobra.Command{
	Use:   "run <patient-context.json>",
	Short: "Start a pipeline run from a patient context file",
	Long: `Starts a fresh diagnostic run from a JSON patient context and drives it
until it completes, escalates, or parks at a review checkpoint. Stage
handlers are the built-in demo set; embed the library to supply real ones.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read patient context: %w", err)
		}
		var patientContext map[string]any
		if err := json.Unmarshal(data, &patientContext); err != nil {
			return fmt.Errorf("parse patient context: %w", err)
		}

		k, cleanup, err := openKernel()
		if err != nil {
			return err
		}
		defer cleanup()

		state, err := k.Executor.Run(k.Context(), patientContext)
		if state != nil {
			printRunOutcome(cmd, k, state)
		}
		return err
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <checkpoint-id>",
	Short: "Apply a reviewer decision to a parked run and continue it",
	Long: `Applies a decision to a pending checkpoint and drives the run onward.
The decision comes from --decision (a decision-record JSON file) or from
the --assessment/--review-confidence/--notes flags. Re-running resume with
the same decision is a no-op; a checkpoint that was already decided can be
resumed without flags to pick up where it left off.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, err := decisionFromFlags(cmd)
		if err != nil {
			return err
		}

		k, cleanup, err := openKernel()
		if err != nil {
			return err
		}
		defer cleanup()

		state, err := k.Executor.Resume(k.Context(), args[0], record)
		if state != nil {
			printRunOutcome(cmd, k, state)
		}
		return err
	},
}

// openKernel builds the full kernel with the demo collaborators.
func openKernel() (*kernel.Kernel, func(), error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		return nil, nil, err
	}
	ctx := rootCmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	k, err := kernel.New(ctx, cfg, kernel.Options{
		Handlers: demoHandlers(),
		Invoker:  demoInvoker(),
		// Prometheus series die with this process; only register them
		// when a listener will expose them.
		DisableMetrics: cfg.Metrics.ListenAddr == "",
	})
	if err != nil {
		return nil, nil, err
	}
	if err := k.Start(); err != nil {
		_ = k.Stop()
		return nil, nil, err
	}
	return k, func() { _ = k.Stop() }, nil
}

// printRunOutcome tells the operator where the run stopped and what to do
// next.
func printRunOutcome(cmd *cobra.Command, k *kernel.Kernel, state *pipeline.State) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Run:        %s\n", state.RunID)
	fmt.Fprintf(w, "Status:     %s\n", state.Status)
	fmt.Fprintf(w, "Stage:      %s\n", state.CurrentStage)
	fmt.Fprintf(w, "Confidence: %.2f\n", state.Confidence)
	fmt.Fprintf(w, "Iteration:  %d\n", state.Iteration)
	if state.LastError != "" {
		fmt.Fprintf(w, "Error:      %s\n", state.LastError)
	}

	if state.Status == pipeline.StatusAwaitingHuman {
		if pending, err := k.Checkpoints.GetPending(); err == nil {
			for _, cp := range pending {
				if cp.RunID == state.RunID {
					fmt.Fprintf(w, "\nAwaiting review at checkpoint %s.\n", cp.ID)
					fmt.Fprintf(w, "Review with: dxpipe resume %s --assessment correct\n", cp.ID)
				}
			}
		}
	}
}

// decisionFromFlags assembles the decision record, preferring a file over
// individual flags. A nil record means "no decision supplied".
func decisionFromFlags(cmd *cobra.Command) (*proto.DecisionRecord, error) {
	decisionFile, _ := cmd.Flags().GetString("decision")
	if decisionFile != "" {
		data, err := os.ReadFile(decisionFile)
		if err != nil {
			return nil, fmt.Errorf("read decision file: %w", err)
		}
		record, err := proto.DecisionFromJSON(data)
		if err != nil {
			return nil, fmt.Errorf("parse decision file: %w", err)
		}
		return record, nil
	}

	assessment, _ := cmd.Flags().GetString("assessment")
	if assessment == "" {
		return nil, nil
	}
	parsed, err := proto.ParseAssessment(assessment)
	if err != nil {
		return nil, err
	}
	confidence, _ := cmd.Flags().GetFloat64("review-confidence")
	notes, _ := cmd.Flags().GetString("notes")
	record := &proto.DecisionRecord{
		Assessment: parsed,
		Confidence: confidence,
		Notes:      notes,
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

func addDecisionFlags(cmd *cobra.Command) {
	cmd.Flags().String("decision", "", "path to a decision-record JSON file")
	cmd.Flags().String("assessment", "", "reviewer assessment: correct, partial, or incorrect")
	cmd.Flags().Float64("review-confidence", 1.0, "reviewer confidence in [0,1]")
	cmd.Flags().String("notes", "", "free-text reviewer notes")
}

func init() {
	addDecisionFlags(resumeCmd)
}
