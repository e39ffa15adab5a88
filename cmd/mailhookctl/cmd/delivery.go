package cmd

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/spf13/cobra"
)

// deliveryCmd represents the delivery command
var deliveryCmd = &cobra.Command{
	Use:   "delivery",
	Short: "Inspect webhook delivery history",
}

var listDeliveriesCmd = &cobra.Command{
	Use:   "list [endpoint-id]",
	Short: "List deliveries for an endpoint, newest first",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		var resp struct {
			Deliveries []struct {
				ID             int64  `json:"id"`
				EventType      string `json:"event_type"`
				Status         string `json:"status"`
				AttemptCount   int    `json:"attempt_count"`
				LastAttemptAt  string `json:"last_attempt_at"`
				ResponseStatus *int   `json:"response_status"`
				NextAttemptAt  string `json:"next_attempt_at"`
			} `json:"deliveries"`
		}
		path := "/v1/endpoints/" + args[0] + "/deliveries?limit=" + strconv.Itoa(limit)
		if err := makeRequest(http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list deliveries: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		for _, d := range resp.Deliveries {
			code := "-"
			if d.ResponseStatus != nil {
				code = strconv.Itoa(*d.ResponseStatus)
			}
			fmt.Printf("%d  %-18s %-8s attempts=%d http=%s next=%s\n",
				d.ID, d.EventType, d.Status, d.AttemptCount, code, d.NextAttemptAt)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(deliveryCmd)
	deliveryCmd.AddCommand(listDeliveriesCmd)

	listDeliveriesCmd.Flags().Int("limit", 50, "maximum rows to return")
}
