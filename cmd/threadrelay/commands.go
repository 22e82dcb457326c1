package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/integraled/threadrelay/internal/config"
	"github.com/integraled/threadrelay/internal/protocol"
	"github.com/integraled/threadrelay/internal/relay"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message through the running relay",
	Long: `Send a message through the running relay and print the reply.

Examples:
  threadrelay chat --assistant asst_abc "What should I eat this week?"
  threadrelay chat --assistant asst_abc --thread thread_123 "And next week?"
  threadrelay chat --assistant asst_abc --wait "Summarize our last session"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		assistantID, _ := cmd.Flags().GetString("assistant")
		threadID, _ := cmd.Flags().GetString("thread")
		userID, _ := cmd.Flags().GetString("user")
		org, _ := cmd.Flags().GetString("org")
		wait, _ := cmd.Flags().GetBool("wait")
		every, _ := cmd.Flags().GetDuration("poll-every")

		if assistantID == "" {
			return fmt.Errorf("--assistant is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]string{
			"message":      strings.Join(args, " "),
			"Assistant_ID": assistantID,
		}
		if threadID != "" {
			req["Thread_ID"] = threadID
		}
		if userID != "" {
			req["User_ID"] = userID
		}
		if org != "" {
			req["Organization"] = org
		}

		ctx := cmd.Context()
		reply, err := postReply(ctx, client, "/chat", req)
		if err != nil {
			return err
		}
		for wait && reply.Processing {
			printStep("run %s still processing", reply.RunID)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(every):
			}
			reply, err = postReply(ctx, client, "/run-status", map[string]string{
				"thread_id": reply.ThreadID,
				"run_id":    reply.RunID,
			})
			if err != nil {
				return err
			}
		}
		return renderReply(os.Stdout, reply)
	},
}

func init() {
	chatCmd.Flags().String("assistant", "", "assistant id to run (required)")
	chatCmd.Flags().String("thread", "", "thread id to continue")
	chatCmd.Flags().String("user", "", "user id stored on new threads")
	chatCmd.Flags().String("org", "", "organization stored on new threads")
	chatCmd.Flags().Bool("wait", false, "keep polling while the run is processing")
	chatCmd.Flags().Duration("poll-every", 2*time.Second, "delay between polls with --wait")
}

// chatReply is the relay's chat response together with its decoded outcome.
type chatReply struct {
	Message    string `json:"message"`
	ThreadID   string `json:"thread_id"`
	RunID      string `json:"run_id"`
	Processing bool   `json:"processing"`

	Outcome protocol.Outcome `json:"-"`
}

func postReply(ctx context.Context, client *apiClient, path string, body any) (chatReply, error) {
	resp, err := client.post(ctx, path, body)
	if err != nil {
		return chatReply{}, err
	}
	var raw json.RawMessage
	if err := decodeJSON(resp, &raw); err != nil {
		return chatReply{}, err
	}
	return parseReply(raw)
}

func parseReply(raw []byte) (chatReply, error) {
	var r chatReply
	if err := json.Unmarshal(raw, &r); err != nil {
		return chatReply{}, fmt.Errorf("decoding reply: %w", err)
	}
	o, err := protocol.Decode(raw)
	if err != nil {
		return chatReply{}, err
	}
	r.Outcome = o
	return r, nil
}

func renderReply(w io.Writer, r chatReply) error {
	return protocol.Dispatch(r.Outcome, &replyPrinter{w: w, reply: r})
}

// replyPrinter renders each outcome the way the chat widget would.
type replyPrinter struct {
	w     io.Writer
	reply chatReply
}

func (p *replyPrinter) StartStream(o protocol.StartStream) error {
	_, err := fmt.Fprintln(p.w, o.Message)
	return err
}

func (p *replyPrinter) NewSession(o protocol.NewSession) error {
	fmt.Fprintln(p.w, p.reply.Message)
	_, err := fmt.Fprintf(p.w, "\n%s %s\n", colorize(colorCyan, "new thread"), o.SessionID)
	return err
}

func (p *replyPrinter) ContinueThread(o protocol.ContinueThread) error {
	fmt.Fprintln(p.w, p.reply.Message)
	_, err := fmt.Fprintf(p.w, "\n%s %s\n", colorize(colorCyan, "thread"), o.ThreadID)
	return err
}

func (p *replyPrinter) Action(o protocol.Action) error {
	if o.Action == protocol.ActionPollRun {
		printWarning("%s", p.reply.Message)
		_, err := fmt.Fprintf(p.w, "thread %s run %s is still processing; check again with --wait or `threadrelay thread status`\n",
			p.reply.ThreadID, p.reply.RunID)
		return err
	}
	_, err := fmt.Fprintf(p.w, "%s %s %s\n", colorize(colorYellow, "action requested:"), o.Action, string(o.Params))
	return err
}

func (p *replyPrinter) Error(o protocol.Error) error {
	if o.Message != "" {
		return fmt.Errorf("%s: %s", o.Err, o.Message)
	}
	return fmt.Errorf("%s", o.Err)
}

func (p *replyPrinter) AuthRequired(o protocol.AuthRequired) error {
	if o.LoginURL != "" {
		return fmt.Errorf("%s (log in at %s)", o.Err, o.LoginURL)
	}
	return fmt.Errorf("%s", o.Err)
}

// --- thread ---

var threadCmd = &cobra.Command{
	Use:   "thread",
	Short: "Inspect upstream threads",
}

var threadStatusCmd = &cobra.Command{
	Use:   "status <thread-id>",
	Short: "Show whether a thread has active runs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/thread-status", map[string]string{"thread_id": args[0]})
		if err != nil {
			return err
		}
		var st struct {
			ThreadExists bool   `json:"thread_exists"`
			ActiveRuns   int    `json:"active_runs"`
			Status       string `json:"status"`
			RunID        string `json:"run_id"`
		}
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}
		if !st.ThreadExists {
			printWarning("thread %s not found", args[0])
			return nil
		}
		printStatus("Thread", "%s", args[0])
		printStatus("Active runs", "%d", st.ActiveRuns)
		printStatus("Status", "%s", st.Status)
		if st.RunID != "" {
			printStatus("Run", "%s", st.RunID)
		}
		return nil
	},
}

func init() {
	threadCmd.AddCommand(threadStatusCmd)
}

// --- url ---

var urlCmd = &cobra.Command{
	Use:   "url",
	Short: "Build a shareable chat link",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		threadID, _ := cmd.Flags().GetString("thread")
		tags, _ := cmd.Flags().GetString("tags")
		org, _ := cmd.Flags().GetString("org")

		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		link, err := relay.GenerateURL(cfg.Relay.DeepLinkBase, cfg.Relay.DeepLinkOrganization, relay.LinkRequest{
			UserID:       userID,
			ThreadID:     threadID,
			Tags:         tags,
			Organization: org,
		})
		if err != nil {
			return err
		}
		fmt.Println(link)
		return nil
	},
}

func init() {
	urlCmd.Flags().String("user", "", "user id (required)")
	urlCmd.Flags().String("thread", "", "thread to reopen")
	urlCmd.Flags().String("tags", "", "intake tags")
	urlCmd.Flags().String("org", "", "organization (defaults to relay.deeplink_organization)")
}

// --- interactions ---

var interactionsCmd = &cobra.Command{
	Use:   "interactions",
	Short: "Browse the interaction log",
}

type interactionRow struct {
	ID         string `json:"id"`
	CreatedAt  string `json:"created_at"`
	ThreadID   string `json:"thread_id"`
	Message    string `json:"message"`
	Outcome    string `json:"outcome"`
	HTTPStatus int    `json:"http_status"`
	DurationMS int64  `json:"duration_ms"`
}

var interactionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent interactions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		thread, _ := cmd.Flags().GetString("thread")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{}
		q.Set("limit", fmt.Sprint(limit))
		if thread != "" {
			q.Set("thread_id", thread)
		}
		resp, err := client.get(cmd.Context(), "/interactions?"+q.Encode())
		if err != nil {
			return err
		}

		var rows []interactionRow
		if err := decodeJSON(resp, &rows); err != nil {
			return err
		}
		if len(rows) == 0 {
			fmt.Println("No interactions found.")
			return nil
		}
		for _, r := range rows {
			fmt.Println(formatRow(r))
		}
		return nil
	},
}

func formatRow(r interactionRow) string {
	id := r.ID
	if len(id) > 8 {
		id = id[:8]
	}
	msg := r.Message
	if len(msg) > 60 {
		msg = msg[:60] + "..."
	}
	outcome := r.Outcome
	switch {
	case r.HTTPStatus >= 400:
		outcome = colorize(colorRed, outcome)
	case r.HTTPStatus == 202:
		outcome = colorize(colorYellow, outcome)
	default:
		outcome = colorize(colorGreen, outcome)
	}
	return fmt.Sprintf("%s  %s  %-10s %5dms  %s", colorize(colorCyan, id), r.CreatedAt, outcome, r.DurationMS, msg)
}

var interactionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single interaction",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/interactions/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var interaction any
		if err := decodeJSON(resp, &interaction); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(interaction)
	},
}

var interactionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Count interactions by outcome",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.get(cmd.Context(), "/interactions/stats")
		if err != nil {
			return err
		}
		var stats struct {
			Outcomes map[string]int `json:"outcomes"`
		}
		if err := decodeJSON(resp, &stats); err != nil {
			return err
		}
		keys := make([]string, 0, len(stats.Outcomes))
		for k := range stats.Outcomes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			printStatus(k, "%d", stats.Outcomes[k])
		}
		return nil
	},
}

func init() {
	interactionsListCmd.Flags().Int("limit", 20, "maximum number of interactions to list")
	interactionsListCmd.Flags().String("thread", "", "show the full history of one thread")
	interactionsCmd.AddCommand(interactionsListCmd)
	interactionsCmd.AddCommand(interactionsShowCmd)
	interactionsCmd.AddCommand(interactionsStatsCmd)
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
