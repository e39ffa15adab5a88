package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

// pingCmd represents the ping command
var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check connectivity to the Mailhook server",
	RunE: func(cmd *cobra.Command, args []string) error {
		var st struct {
			Status   string `json:"status"`
			Database string `json:"database"`
		}
		if err := makeRequest(http.MethodGet, "/healthz", nil, &st); err != nil {
			return fmt.Errorf("ping failed: %w", err)
		}
		if outputJSON {
			printOutput(st)
		} else if st.Status == "ok" {
			fmt.Println("ok")
		} else {
			fmt.Printf("%s (database: %s)\n", st.Status, st.Database)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(pingCmd)
}
