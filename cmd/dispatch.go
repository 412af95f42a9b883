package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/zjrosen/concierge/internal/orchestrator/server"
	"github.com/zjrosen/concierge/internal/signing"
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Dispatch a job immediately, skipping outreach and consent",
	Long: `Dispatch an operator-initiated job against a running orchestrator.
The job starts (or queues) immediately without the outreach conversation,
and no invoice is issued on success.

Example:
  concierge dispatch --user npub1abc... --service netflix --action cancel
  concierge dispatch --user npub1abc... --service netflix --action resume --plan premium`,
	RunE: runDispatch,
}

var (
	dispatchUser     string
	dispatchService  string
	dispatchAction   string
	dispatchPlan     string
	dispatchPlanName string
	dispatchURL      string
)

func init() {
	rootCmd.AddCommand(dispatchCmd)

	dispatchCmd.Flags().StringVar(&dispatchUser, "user", "", "user npub (required)")
	dispatchCmd.Flags().StringVar(&dispatchService, "service", "", "service id (required)")
	dispatchCmd.Flags().StringVar(&dispatchAction, "action", "cancel", "cancel or resume")
	dispatchCmd.Flags().StringVar(&dispatchPlan, "plan", "", "plan id (resume only)")
	dispatchCmd.Flags().StringVar(&dispatchPlanName, "plan-name", "", "plan display name (resume only)")
	dispatchCmd.Flags().StringVar(&dispatchURL, "url", "", "orchestrator base URL (default from config listen_addr)")
	_ = dispatchCmd.MarkFlagRequired("user")
	_ = dispatchCmd.MarkFlagRequired("service")
}

func runDispatch(_ *cobra.Command, _ []string) error {
	cfg, _, err := loadConfig("orchestrator")
	if err != nil {
		return err
	}

	baseURL := dispatchURL
	if baseURL == "" {
		baseURL = "http://" + cfg.Orchestrator.ListenAddr
	}
	baseURL = strings.TrimRight(baseURL, "/")

	body, err := json.Marshal(server.DispatchRequest{
		UserNpub:        dispatchUser,
		Service:         dispatchService,
		Action:          dispatchAction,
		PlanID:          dispatchPlan,
		PlanDisplayName: dispatchPlanName,
	})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, baseURL+"/admin/dispatch", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if err := signing.NewSigner(cfg.Upstream.HMACSecret).Sign(req, body); err != nil {
		return fmt.Errorf("signing request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("calling orchestrator: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusCreated {
		var errResp server.ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("dispatch refused (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("dispatch refused (%d): %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var out server.DispatchResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	fmt.Printf("Dispatched job %s\n", out.JobID)
	return nil
}
