package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// eventCmd represents the event command
var eventCmd = &cobra.Command{
	Use:   "event",
	Short: "Publish events and inspect the event-type catalog",
}

var publishEventCmd = &cobra.Command{
	Use:   "publish [event-type] [json-payload]",
	Short: "Publish an event and fan it out to subscribed endpoints",
	Long: `Publish an event for the tenant.

Example:
  mailhookctl --tenant tn_123 event publish email.bounced '{"message_id":"m_42"}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		payload := "{}"
		if len(args) == 2 {
			payload = args[1]
		}
		if !json.Valid([]byte(payload)) {
			return fmt.Errorf("payload is not valid JSON")
		}
		eventID, _ := cmd.Flags().GetInt64("event-id")

		var resp struct {
			FanoutCount int `json:"fanout_count"`
		}
		body := map[string]any{
			"event_id":   eventID,
			"event_type": args[0],
			"data":       json.RawMessage(payload),
		}
		if err := makeRequest(http.MethodPost, "/v1/events", body, &resp); err != nil {
			return fmt.Errorf("failed to publish event: %w", err)
		}
		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Published; fanned out to %d endpoint(s)\n", resp.FanoutCount)
		}
		return nil
	},
}

var eventTypesCmd = &cobra.Command{
	Use:   "types",
	Short: "List recognized event types",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			EventTypes []struct {
				Name        string `json:"name"`
				Description string `json:"description"`
			} `json:"event_types"`
		}
		if err := makeRequest(http.MethodGet, "/v1/event-types", nil, &resp); err != nil {
			return fmt.Errorf("failed to list event types: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		for _, t := range resp.EventTypes {
			fmt.Printf("%-20s %s\n", t.Name, t.Description)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(eventCmd)
	eventCmd.AddCommand(publishEventCmd, eventTypesCmd)

	publishEventCmd.Flags().Int64("event-id", 0, "relational event id (0 for custom events)")
}
