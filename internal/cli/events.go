package cli

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"dxpipe/pkg/eventlog"
	"dxpipe/pkg/proto"
)

var eventsCmd = &cobra.Command{
	Use:   "events <run-id>",
	Short: "Show the lifecycle event history for a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadCLIConfig()
		if err != nil {
			return err
		}

		events, err := eventlog.ReadRunEvents(cfg.EventLog.Dir, args[0])
		if err != nil {
			return fmt.Errorf("read event log: %w", err)
		}

		w := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintf(w, "No events recorded for run %s.\n", args[0])
			return nil
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			enc := json.NewEncoder(w)
			for _, evt := range events {
				if err := enc.Encode(evt); err != nil {
					return err
				}
			}
			return nil
		}

		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIME\tEVENT\tSTAGE\tDETAIL")
		for _, evt := range events {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				evt.Timestamp.Format("15:04:05.000"), evt.Type, evt.Stage, eventDetail(evt))
		}
		return tw.Flush()
	},
}

// eventDetail renders the payload fields operators scan for, per event type.
func eventDetail(evt *proto.Event) string {
	switch evt.Type {
	case proto.EventStageCompleted:
		if c, ok := evt.GetPayload("confidence"); ok {
			return fmt.Sprintf("confidence=%v", c)
		}
	case proto.EventLoopBack:
		c, _ := evt.GetPayload("confidence")
		th, _ := evt.GetPayload("threshold")
		it, _ := evt.GetPayload("iteration")
		return fmt.Sprintf("iteration=%v confidence=%v threshold=%v", it, c, th)
	case proto.EventToolBatchSettled:
		ok, _ := evt.GetPayload("succeeded")
		failed, _ := evt.GetPayload("failed")
		return fmt.Sprintf("succeeded=%v failed=%v", ok, failed)
	case proto.EventCheckpointReached, proto.EventCheckpointDecided:
		if id, ok := evt.GetPayload("checkpoint_id"); ok {
			return fmt.Sprintf("checkpoint=%v", id)
		}
	case proto.EventEscalated, proto.EventRunFailed:
		if reason, ok := evt.GetPayload("reason"); ok {
			return fmt.Sprintf("reason=%v", reason)
		}
		if msg, ok := evt.GetPayload("error"); ok {
			return fmt.Sprintf("error=%v", msg)
		}
	}
	return ""
}

func init() {
	eventsCmd.Flags().Bool("json", false, "emit raw JSONL instead of a table")
}
