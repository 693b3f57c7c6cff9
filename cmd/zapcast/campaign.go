package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/busybox42/zapcast/internal/campaign"
)

var apiURL string

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Campaign management commands",
	Long:  "Inspect and control campaigns on a running Zapcast daemon",
}

func init() {
	campaignCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "base URL of the Zapcast API")

	listCmd := &cobra.Command{
		Use:   "list <tenant-id>",
		Short: "List a tenant's campaigns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Campaigns []campaign.Campaign `json:"campaigns"`
			}
			if err := apiGet(fmt.Sprintf("/api/campaigns?tenant_id=%s", args[0]), &resp); err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSENT\tFAILED\tTOTAL\tCREATED")
			for _, c := range resp.Campaigns {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
					c.ID, c.Name, c.Status, c.Sent, c.Failed, c.TotalRecipients,
					c.CreatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <campaign-id>",
		Short: "Show one campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var c campaign.Campaign
			if err := apiGet("/api/campaigns/"+args[0], &c); err != nil {
				return err
			}
			fmt.Printf("Campaign: %s\n", c.ID)
			fmt.Printf("Tenant: %s\n", c.TenantID)
			fmt.Printf("Name: %s\n", c.Name)
			fmt.Printf("Status: %s\n", c.Status)
			fmt.Printf("Type: %s\n", c.Type)
			fmt.Printf("Recipients: %d (sent %d, failed %d, pending %d)\n",
				c.TotalRecipients, c.Sent, c.Failed, c.Pending())
			if c.ScheduledAt != nil {
				fmt.Printf("Scheduled: %s\n", c.ScheduledAt.Format(time.RFC3339))
			}
			return nil
		},
	}

	pauseCmd := &cobra.Command{
		Use:   "pause <campaign-id>",
		Short: "Pause a running campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiPost("/api/campaigns/"+args[0]+"/pause", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Campaign %s paused\n", args[0])
			return nil
		},
	}

	resumeCmd := &cobra.Command{
		Use:   "resume <campaign-id>",
		Short: "Resume a paused campaign",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiPost("/api/campaigns/"+args[0]+"/resume", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Campaign %s resumed\n", args[0])
			return nil
		},
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel <campaign-id>",
		Short: "Cancel a campaign, failing it terminally",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := apiPost("/api/campaigns/"+args[0]+"/cancel", nil, nil); err != nil {
				return err
			}
			fmt.Printf("Campaign %s cancelled\n", args[0])
			return nil
		},
	}

	flushFailedCmd := &cobra.Command{
		Use:   "flush-failed <campaign-id>",
		Short: "Requeue a paused campaign's failed tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var resp struct {
				Requeued int `json:"requeued"`
			}
			if err := apiPost("/api/campaigns/"+args[0]+"/flush-failed", nil, &resp); err != nil {
				return err
			}
			fmt.Printf("Requeued %d failed tasks\n", resp.Requeued)
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			var stats struct {
				TotalSent     int64 `json:"total_sent"`
				TotalFailed   int64 `json:"total_failed"`
				TotalDeferred int64 `json:"total_deferred"`
			}
			if err := apiGet("/api/stats/delivery", &stats); err != nil {
				return err
			}
			fmt.Printf("Sent: %d\n", stats.TotalSent)
			fmt.Printf("Failed: %d\n", stats.TotalFailed)
			fmt.Printf("Deferred: %d\n", stats.TotalDeferred)
			return nil
		},
	}

	campaignCmd.AddCommand(listCmd, showCmd, pauseCmd, resumeCmd, cancelCmd, flushFailedCmd, statsCmd)
}

func apiGet(path string, out any) error {
	return apiDo("GET", path, nil, out)
}

func apiPost(path string, body, out any) error {
	return apiDo("POST", path, body, out)
}

func apiDo(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, apiURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("API error: status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}
