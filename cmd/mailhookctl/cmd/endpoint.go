package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// endpointCmd represents the endpoint command
var endpointCmd = &cobra.Command{
	Use:   "endpoint",
	Short: "Manage webhook endpoints",
	Long:  `Create and manage webhook endpoints that will receive event deliveries.`,
}

type endpointJSON struct {
	ID         string   `json:"id"`
	TenantID   string   `json:"tenant_id"`
	URL        string   `json:"url"`
	Name       string   `json:"name,omitempty"`
	EventTypes []string `json:"event_types"`
	Enabled    bool     `json:"enabled"`
	CreatedAt  string   `json:"created_at"`
}

var createEndpointCmd = &cobra.Command{
	Use:   "create [url]",
	Short: "Create a new webhook endpoint",
	Long: `Create a new webhook endpoint for the tenant.

Example:
  mailhookctl --tenant tn_123 endpoint create https://example.com/webhook --events email.bounced,email.complained`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name, _ := cmd.Flags().GetString("name")
		events, _ := cmd.Flags().GetStringSlice("events")

		var resp struct {
			Endpoint endpointJSON `json:"endpoint"`
			Secret   string       `json:"secret"`
		}
		body := map[string]any{"url": args[0], "name": name, "event_types": events}
		if err := makeRequest(http.MethodPost, "/v1/endpoints", body, &resp); err != nil {
			return fmt.Errorf("failed to create endpoint: %w", err)
		}

		if outputJSON {
			printOutput(resp)
		} else {
			fmt.Printf("Created endpoint: %s\n", resp.Endpoint.ID)
			fmt.Printf("  URL: %s\n", resp.Endpoint.URL)
			fmt.Printf("  Events: %v\n", resp.Endpoint.EventTypes)
			fmt.Printf("  Secret: %s\n", resp.Secret)
			fmt.Println("  Store the secret now; it will not be shown again.")
		}
		return nil
	},
}

var listEndpointsCmd = &cobra.Command{
	Use:   "list",
	Short: "List webhook endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp struct {
			Endpoints []endpointJSON `json:"endpoints"`
		}
		if err := makeRequest(http.MethodGet, "/v1/endpoints", nil, &resp); err != nil {
			return fmt.Errorf("failed to list endpoints: %w", err)
		}
		if outputJSON {
			printOutput(resp)
			return nil
		}
		for _, ep := range resp.Endpoints {
			enabled := "enabled"
			if !ep.Enabled {
				enabled = "disabled"
			}
			fmt.Printf("%s  %s  %s  %v\n", ep.ID, enabled, ep.URL, ep.EventTypes)
		}
		return nil
	},
}

var getEndpointCmd = &cobra.Command{
	Use:   "get [endpoint-id]",
	Short: "Show one webhook endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ep endpointJSON
		if err := makeRequest(http.MethodGet, "/v1/endpoints/"+args[0], nil, &ep); err != nil {
			return fmt.Errorf("failed to get endpoint: %w", err)
		}
		printOutput(ep)
		return nil
	},
}

var updateEndpointCmd = &cobra.Command{
	Use:   "update [endpoint-id]",
	Short: "Update a webhook endpoint",
	Long:  `Partially update a webhook endpoint. Only the provided flags change.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{}
		if cmd.Flags().Changed("url") {
			v, _ := cmd.Flags().GetString("url")
			body["url"] = v
		}
		if cmd.Flags().Changed("name") {
			v, _ := cmd.Flags().GetString("name")
			body["name"] = v
		}
		if cmd.Flags().Changed("events") {
			v, _ := cmd.Flags().GetStringSlice("events")
			body["event_types"] = v
		}
		if cmd.Flags().Changed("enabled") {
			v, _ := cmd.Flags().GetBool("enabled")
			body["enabled"] = v
		}
		var ep endpointJSON
		if err := makeRequest(http.MethodPatch, "/v1/endpoints/"+args[0], body, &ep); err != nil {
			return fmt.Errorf("failed to update endpoint: %w", err)
		}
		printOutput(ep)
		return nil
	},
}

var deleteEndpointCmd = &cobra.Command{
	Use:   "delete [endpoint-id]",
	Short: "Delete a webhook endpoint and its delivery history",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := makeRequest(http.MethodDelete, "/v1/endpoints/"+args[0], nil, nil); err != nil {
			return fmt.Errorf("failed to delete endpoint: %w", err)
		}
		fmt.Printf("Deleted endpoint %s\n", args[0])
		return nil
	},
}

var testEndpointCmd = &cobra.Command{
	Use:   "test [endpoint-id]",
	Short: "Send a synthetic test payload to an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var res struct {
			Success    bool   `json:"success"`
			StatusCode int    `json:"status_code"`
			Message    string `json:"message"`
		}
		if err := makeRequest(http.MethodPost, "/v1/endpoints/"+args[0]+"/test", nil, &res); err != nil {
			return fmt.Errorf("test send failed: %w", err)
		}
		if outputJSON {
			printOutput(res)
		} else if res.Success {
			fmt.Printf("OK (%d)\n", res.StatusCode)
		} else {
			fmt.Printf("FAILED: %s\n", res.Message)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(endpointCmd)
	endpointCmd.AddCommand(createEndpointCmd, listEndpointsCmd, getEndpointCmd, updateEndpointCmd, deleteEndpointCmd, testEndpointCmd)

	createEndpointCmd.Flags().String("name", "", "display name")
	createEndpointCmd.Flags().StringSlice("events", nil, "subscribed event types (empty subscribes to all)")

	updateEndpointCmd.Flags().String("url", "", "target URL")
	updateEndpointCmd.Flags().String("name", "", "display name")
	updateEndpointCmd.Flags().StringSlice("events", nil, "subscribed event types")
	updateEndpointCmd.Flags().Bool("enabled", true, "enable or disable the endpoint")
}
