package cli

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dxpipe/pkg/proto"
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "List checkpoints awaiting a reviewer decision",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, manager, cleanup, err := openManager()
		if err != nil {
			return err
		}
		defer cleanup()

		pending, err := manager.GetPending()
		if err != nil {
			return fmt.Errorf("list pending checkpoints: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(pending) == 0 {
			fmt.Fprintln(w, "No checkpoints awaiting review.")
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "CHECKPOINT\tRUN\tSTAGE\tCREATED\tREASON")
		for _, cp := range pending {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
				cp.ID, cp.RunID, cp.Stage, cp.CreatedAt.Format("2006-01-02 15:04"), cp.Reason)
		}
		return tw.Flush()
	},
}

var decideCmd = &cobra.Command{
	Use:   "decide <checkpoint-id>",
	Short: "Record a reviewer decision without driving the run",
	Long: `Records a decision against a pending checkpoint. The run stays parked
until "dxpipe resume" continues it; decide exists so review tooling can
submit decisions out-of-band. Deciding an already-decided checkpoint with
the same record is a no-op; a different record is refused.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		record, err := decisionFromFlags(cmd)
		if err != nil {
			return err
		}
		if record == nil {
			interactive, _ := cmd.Flags().GetBool("interactive")
			if !interactive {
				return fmt.Errorf("supply --decision, --assessment, or --interactive")
			}
			record, err = promptDecision(cmd)
			if err != nil {
				return err
			}
		}

		_, manager, cleanup, err := openManager()
		if err != nil {
			return err
		}
		defer cleanup()

		if _, err := manager.Decide(args[0], record); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Checkpoint %s decided: %s\n", args[0], record.Outcome())
		fmt.Fprintf(cmd.OutOrStdout(), "Continue the run with: dxpipe resume %s\n", args[0])
		return nil
	},
}

// promptDecision walks a reviewer through a decision on an attached
// terminal.
func promptDecision(cmd *cobra.Command) (*proto.DecisionRecord, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("--interactive needs an attached terminal")
	}
	reader := bufio.NewReader(os.Stdin)
	w := cmd.OutOrStdout()

	fmt.Fprint(w, "Assessment (correct/partial/incorrect): ")
	line, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	assessment, err := proto.ParseAssessment(line)
	if err != nil {
		return nil, err
	}

	fmt.Fprint(w, "Confidence [0..1]: ")
	line, err = reader.ReadString('\n')
	if err != nil {
		return nil, err
	}
	confidence, err := strconv.ParseFloat(strings.TrimSpace(line), 64)
	if err != nil {
		return nil, fmt.Errorf("parse confidence: %w", err)
	}

	fmt.Fprint(w, "Notes (optional): ")
	notes, err := reader.ReadString('\n')
	if err != nil {
		return nil, err
	}

	record := &proto.DecisionRecord{
		Assessment: assessment,
		Confidence: confidence,
		Notes:      strings.TrimSpace(notes),
	}
	if assessment == proto.AssessmentPartial {
		corrections, err := promptCorrections(w, reader)
		if err != nil {
			return nil, err
		}
		record.Corrections = corrections
	}
	if err := record.Validate(); err != nil {
		return nil, err
	}
	return record, nil
}

// promptCorrections reads field corrections until an empty path is entered.
func promptCorrections(w io.Writer, reader *bufio.Reader) ([]proto.Correction, error) {
	var corrections []proto.Correction
	for {
		fmt.Fprint(w, "Correction field path (empty to finish): ")
		field, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		field = strings.TrimSpace(field)
		if field == "" {
			return corrections, nil
		}

		fmt.Fprint(w, "Corrected value (JSON scalar): ")
		value, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		fmt.Fprint(w, "Rationale: ")
		rationale, err := reader.ReadString('\n')
		if err != nil {
			return nil, err
		}

		corrections = append(corrections, proto.Correction{
			Field:     field,
			Corrected: parseScalar(strings.TrimSpace(value)),
			Rationale: strings.TrimSpace(rationale),
		})
	}
}

// parseScalar interprets a typed scalar from reviewer input, falling back to
// the raw string.
func parseScalar(s string) any {
	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}

func init() {
	addDecisionFlags(decideCmd)
	decideCmd.Flags().Bool("interactive", false, "prompt for the decision on the terminal")
}
