package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/HerbHall/keyproxy/internal/pulse"
	"github.com/HerbHall/keyproxy/internal/server"
	"github.com/HerbHall/keyproxy/internal/state"
)

var clientFlags struct {
	admin   string
	token   string
	timeout time.Duration
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show target health of a running instance",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

var resetCmd = &cobra.Command{
	Use:   "reset <target-id>",
	Short: "Reset the failure counter of a target",
	Long: `Clear the consecutive failure count and notification flags of a target on a
running instance. No recovery notification is sent.`,
	Args: cobra.ExactArgs(1),
	RunE: runReset,
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, resetCmd} {
		c.Flags().StringVar(&clientFlags.admin, "admin", "http://127.0.0.1:9090", "admin API base URL")
		c.Flags().StringVar(&clientFlags.token, "token", "", "admin API token (default $KP_ADMIN_TOKEN)")
		c.Flags().DurationVar(&clientFlags.timeout, "timeout", 10*time.Second, "request timeout")
		rootCmd.AddCommand(c)
	}
}

// adminClient calls the admin API of a running instance.
type adminClient struct {
	base  string
	token string
	http  *http.Client
}

func newAdminClient() *adminClient {
	token := clientFlags.token
	if token == "" {
		token = os.Getenv("KP_ADMIN_TOKEN")
	}
	return &adminClient{
		base:  strings.TrimRight(clientFlags.admin, "/"),
		token: token,
		http:  &http.Client{Timeout: clientFlags.timeout},
	}
}

// do sends a request and decodes a 2xx JSON answer into out. Problem
// responses are turned into errors.
func (c *adminClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, http.NoBody)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin API unreachable: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read admin response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var p server.Problem
		if json.Unmarshal(body, &p) == nil && p.Detail != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, p.Detail, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode admin response: %w", err)
	}
	return nil
}

func runStatus(cmd *cobra.Command, _ []string) error {
	var rep pulse.Report
	if err := newAdminClient().do(cmd.Context(), http.MethodGet, "/api/v1/summary", &rep); err != nil {
		return err
	}
	printReport(cmd.OutOrStdout(), rep)
	return nil
}

func printReport(w io.Writer, rep pulse.Report) {
	s := rep.Summary
	fmt.Fprintf(w, "targets: %d  healthy: %d  degraded: %d  failed: %d  requests: %d  success: %.2f%%\n\n",
		s.TotalTargets, s.Healthy, s.Degraded, s.Failed, s.TotalRequests, s.SuccessRate)

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATE\tFAILS\tREQUESTS\tSUCCESS\tAVG MS\tLAST CHECK")
	for _, r := range rep.Targets {
		last := "never"
		if r.LastCheckTime > 0 {
			last = time.Unix(r.LastCheckTime, 0).UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%.2f%%\t%.1f\t%s\n",
			r.TargetID, r.Name, r.State, r.Fails, r.TotalRequests, r.SuccessRate, r.AvgResponseMs, last)
	}
	_ = tw.Flush()
}

func runReset(cmd *cobra.Command, args []string) error {
	id := args[0]
	var out struct {
		TargetID string             `json:"target_id"`
		Record   state.HealthRecord `json:"record"`
	}
	path := "/api/v1/targets/" + url.PathEscape(id) + "/reset"
	if err := newAdminClient().do(cmd.Context(), http.MethodPost, path, &out); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "target %q reset (fails=%d)\n", out.TargetID, out.Record.Fails)
	return nil
}
