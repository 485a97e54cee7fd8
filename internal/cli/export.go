package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"dxpipe/pkg/export"
)

var exportCmd = &cobra.Command{
	Use:   "export [run-id]",
	Short: "Export reviewer feedback records as JSONL",
	Long: `Exports recorded reviewer decisions in the decision-record wire shape,
one JSON object per line, for downstream training and aggregation
consumers. Without a run id, all runs are exported.

Feedback embeds fragments of patient context; use --encrypt for any export
that leaves the host. The sealed file is AES-256-GCM under a password-
derived key.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		runID := ""
		if len(args) == 1 {
			runID = args[0]
		}
		outPath, _ := cmd.Flags().GetString("out")
		encrypt, _ := cmd.Flags().GetBool("encrypt")
		stateExport, _ := cmd.Flags().GetBool("state")
		if encrypt && outPath == "" {
			return fmt.Errorf("--encrypt requires --out")
		}
		if stateExport && runID == "" {
			return fmt.Errorf("--state requires a run id")
		}

		_, store, cleanup, err := openStore()
		if err != nil {
			return err
		}
		defer cleanup()

		var plaintext []byte
		var what string
		if stateExport {
			state, err := store.LoadState(runID)
			if err != nil {
				return fmt.Errorf("load run %s: %w", runID, err)
			}
			plaintext, err = state.ToJSON()
			if err != nil {
				return err
			}
			plaintext = append(plaintext, '\n')
			what = "state snapshot for run " + runID
		} else {
			records, err := store.ListFeedback(runID)
			if err != nil {
				return fmt.Errorf("list feedback: %w", err)
			}
			if len(records) == 0 {
				fmt.Fprintln(cmd.ErrOrStderr(), "No feedback records to export.")
				return nil
			}
			plaintext, err = export.EncodeJSONL(records)
			if err != nil {
				return err
			}
			what = fmt.Sprintf("%d feedback records", len(records))
		}

		if encrypt {
			password, err := readPassword(cmd, "Export password: ")
			if err != nil {
				return err
			}
			if err := export.WriteSealedFile(outPath, password, plaintext); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Sealed %s to %s\n", what, outPath)
			return nil
		}

		if outPath != "" {
			if err := os.WriteFile(outPath, plaintext, 0600); err != nil {
				return fmt.Errorf("write export file: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "Exported %s to %s\n", what, outPath)
			return nil
		}
		_, err = cmd.OutOrStdout().Write(plaintext)
		return err
	},
}

// readPassword reads a password without echo when attached to a terminal,
// falling back to the DXPIPE_EXPORT_PASSWORD environment variable.
func readPassword(cmd *cobra.Command, prompt string) ([]byte, error) {
	if pw := os.Getenv("DXPIPE_EXPORT_PASSWORD"); pw != "" {
		return []byte(pw), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no terminal for password prompt; set DXPIPE_EXPORT_PASSWORD")
	}
	fmt.Fprint(cmd.ErrOrStderr(), prompt)
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return nil, fmt.Errorf("read password: %w", err)
	}
	if len(password) == 0 {
		return nil, fmt.Errorf("empty password")
	}
	return password, nil
}

func init() {
	exportCmd.Flags().String("out", "", "write to a file instead of stdout")
	exportCmd.Flags().Bool("encrypt", false, "seal the export with a password")
	exportCmd.Flags().Bool("state", false, "export the run's state snapshot instead of feedback")
}
