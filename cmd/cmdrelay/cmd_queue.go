package main

import (
	"bytes"
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

	"github.com/user/cmdrelay/internal/api"
	"github.com/user/cmdrelay/internal/types"
)

func init() {
	rootCmd.AddCommand(queueCmd)
	queueCmd.AddCommand(queueEnqueueCmd, queueListCmd, queueCancelCmd, queueStatusCmd, queueTargetsCmd)
	queueCmd.PersistentFlags().String("server", "", "relay base URL (default http://<listen>)")
	queueListCmd.Flags().Bool("pending", false, "only show pending commands")
}

// apiClient talks to the relay's HTTP side-channel.
type apiClient struct {
	base string
	http *http.Client
}

func newAPIClient(base string) *apiClient {
	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

func clientFor(cmd *cobra.Command) *apiClient {
	base, _ := cmd.Flags().GetString("server")
	if base == "" {
		base = "http://" + loadConfig().Listen
	}
	return newAPIClient(base)
}

// do sends a request and decodes a JSON response into out. Non-2xx
// responses are returned as errors carrying the server's message.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return resp.StatusCode, fmt.Errorf("%s %s: %s (%d)", method, path, e.Error, resp.StatusCode)
		}
		return resp.StatusCode, fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func (c *apiClient) enqueue(ctx context.Context, target, kind string, payload json.RawMessage) (api.IssueResponse, error) {
	var out api.IssueResponse
	_, err := c.do(ctx, http.MethodPost, "/api/targets/"+url.PathEscape(target)+"/commands",
		api.EnqueueRequest{Kind: kind, Payload: payload}, &out)
	return out, err
}

func (c *apiClient) list(ctx context.Context, target string, pendingOnly bool) ([]types.Command, error) {
	path := "/api/targets/" + url.PathEscape(target) + "/commands"
	if pendingOnly {
		path += "?pending=true"
	}
	var out []types.Command
	_, err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *apiClient) cancel(ctx context.Context, target, id string) (types.Command, error) {
	var out types.Command
	_, err := c.do(ctx, http.MethodDelete,
		"/api/targets/"+url.PathEscape(target)+"/commands/"+url.PathEscape(id), nil, &out)
	return out, err
}

func (c *apiClient) status(ctx context.Context, target string) (api.TargetStatus, error) {
	var out api.TargetStatus
	_, err := c.do(ctx, http.MethodGet, "/api/targets/"+url.PathEscape(target)+"/status", nil, &out)
	return out, err
}

func (c *apiClient) targets(ctx context.Context) ([]api.TargetSummary, error) {
	var out []api.TargetSummary
	_, err := c.do(ctx, http.MethodGet, "/api/targets", nil, &out)
	return out, err
}

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and drive a running relay's command queues",
}

var queueEnqueueCmd = &cobra.Command{
	Use:   "enqueue <target> <kind> [payload-json]",
	Short: "Queue a command for a target",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload json.RawMessage
		if len(args) == 3 {
			if !json.Valid([]byte(args[2])) {
				return fmt.Errorf("payload is not valid JSON")
			}
			payload = json.RawMessage(args[2])
		}
		resp, err := clientFor(cmd).enqueue(cmd.Context(), args[0], args[1], payload)
		if err != nil {
			return err
		}
		state := "queued"
		if resp.Delivered {
			state = "delivered"
		}
		fmt.Fprintf(os.Stdout, "%s %s (%s)\n", state, resp.Command.ID, resp.Command.Kind)
		return nil
	},
}

var queueListCmd = &cobra.Command{
	Use:   "list <target>",
	Short: "List a target's commands",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		pending, _ := cmd.Flags().GetBool("pending")
		cmds, err := clientFor(cmd).list(cmd.Context(), args[0], pending)
		if err != nil {
			return err
		}
		if len(cmds) == 0 {
			fmt.Println("No commands.")
			return nil
		}
		return printCommands(os.Stdout, cmds)
	},
}

func printCommands(out io.Writer, cmds []types.Command) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tKIND\tSTATUS\tUPDATED\tRESULT")
	for _, c := range cmds {
		result := string(c.Result)
		if c.File != nil {
			result = strings.TrimSpace(result + " file=" + c.File.Name)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", c.ID, c.Kind, c.Status, c.UpdatedAt.Format(time.RFC3339), result)
	}
	return w.Flush()
}

var queueCancelCmd = &cobra.Command{
	Use:   "cancel <target> <id>",
	Short: "Cancel a pending or dispatched command",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := clientFor(cmd).cancel(cmd.Context(), args[0], args[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "Command %s %s.\n", c.ID, c.Status)
		return nil
	},
}

var queueStatusCmd = &cobra.Command{
	Use:   "status <target>",
	Short: "Show whether a target is online",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := clientFor(cmd).status(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		state := "offline"
		if st.Online {
			state = "online"
		}
		fmt.Fprintf(os.Stdout, "%s %s\n", st.Target, state)
		return nil
	},
}

var queueTargetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List known targets with queue depth",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		rows, err := clientFor(cmd).targets(cmd.Context())
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No targets.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "TARGET\tONLINE\tPENDING\tTOTAL")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%v\t%d\t%d\n", r.Target, r.Online, r.Pending, r.Total)
		}
		return w.Flush()
	},
}
