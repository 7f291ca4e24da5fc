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
	"time"

	"github.com/spf13/cobra"

	"github.com/kalambet/engram/internal/config"
	"github.com/kalambet/engram/internal/extract"
)

// --- remember ---

var rememberCmd = &cobra.Command{
	Use:   "remember",
	Short: "Record a conversational turn for background learning",
	Long: `Record a conversational turn for background learning.

The turn is queued durably and synthesized into knowledge by the
background worker.

Example:
  engram remember --user "how do I cross-compile?" --agent "Set GOOS and GOARCH."`,
	RunE: func(cmd *cobra.Command, args []string) error {
		userInput, _ := cmd.Flags().GetString("user")
		agentOutput, _ := cmd.Flags().GetString("agent")
		space, _ := cmd.Flags().GetString("space")

		if userInput == "" && agentOutput == "" {
			return fmt.Errorf("at least one of --user or --agent is required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"user_input":   userInput,
			"agent_output": agentOutput,
		}
		resp, err := client.post(cmd.Context(), "/turns"+spaceQuery(space, nil), req)
		if err != nil {
			return err
		}

		var result struct {
			TaskID int64  `json:"task_id"`
			Status string `json:"status"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Queued learning task %d", result.TaskID)
		return nil
	},
}

func init() {
	rememberCmd.Flags().String("user", "", "what the user said")
	rememberCmd.Flags().String("agent", "", "what the agent replied")
	rememberCmd.Flags().String("space", "", "memory space name")
}

// --- recall ---

var recallCmd = &cobra.Command{
	Use:     "search <query>",
	Aliases: []string{"recall"},
	Short:   "Hybrid search over long-term memory",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		query := strings.Join(args, " ")
		limit, _ := cmd.Flags().GetInt("limit")
		space, _ := cmd.Flags().GetString("space")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("q", query)
		params.Set("k", fmt.Sprintf("%d", limit))
		resp, err := client.get(cmd.Context(), "/search"+spaceQuery(space, params))
		if err != nil {
			return err
		}

		var result struct {
			Results []struct {
				ID           string  `json:"id"`
				Content      string  `json:"content"`
				ProblemClass string  `json:"problem_class"`
				Score        float32 `json:"score"`
				Origin       string  `json:"origin"`
			} `json:"results"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Results) == 0 {
			fmt.Println("No results found.")
			return nil
		}

		for i, r := range result.Results {
			fmt.Printf("\n%s [score: %.3f, %s]\n", colorize(colorBold, fmt.Sprintf("Result %d", i+1)), r.Score, r.Origin)
			if r.ProblemClass != "" {
				fmt.Printf("  Class: %s\n", r.ProblemClass)
			}
			content := r.Content
			if len(content) > 500 {
				content = content[:500] + "..."
			}
			fmt.Printf("  %s\n", content)
		}
		return nil
	},
}

func init() {
	recallCmd.Flags().Int("limit", 5, "maximum number of results")
	recallCmd.Flags().String("space", "", "memory space name")
}

// --- learn ---

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Seed knowledge directly from text or a file",
	Long: `Seed knowledge directly from text or a file, bypassing synthesis.

Files are chunked on paragraph boundaries; PDF and HTML are converted
to plain text first.

Examples:
  engram learn --text "The staging cluster lives in eu-west-1"
  engram learn --file ./runbook.pdf --class infrastructure`,
	RunE: func(cmd *cobra.Command, args []string) error {
		text, _ := cmd.Flags().GetString("text")
		file, _ := cmd.Flags().GetString("file")
		class, _ := cmd.Flags().GetString("class")
		entitiesStr, _ := cmd.Flags().GetString("entities")
		space, _ := cmd.Flags().GetString("space")

		if text == "" && file == "" {
			return fmt.Errorf("one of --text or --file is required")
		}

		var entities []string
		if entitiesStr != "" {
			entities = strings.Split(entitiesStr, ",")
			for i := range entities {
				entities[i] = strings.TrimSpace(entities[i])
			}
		}

		var chunks []string
		if text != "" {
			chunks = []string{text}
		} else {
			content, err := extract.FromFile(file)
			if err != nil {
				return fmt.Errorf("extracting %s: %w", file, err)
			}
			chunks = extract.Chunks(content, 0)
			if len(chunks) == 0 {
				return fmt.Errorf("no content extracted from %s", file)
			}
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		items := make([]map[string]any, len(chunks))
		for i, chunk := range chunks {
			item := map[string]any{
				"content": chunk,
				"source":  "manual",
			}
			if class != "" {
				item["problem_class"] = class
			}
			if entities != nil {
				item["entities"] = entities
			}
			items[i] = item
		}

		resp, err := client.post(cmd.Context(), "/documents/batch"+spaceQuery(space, nil), map[string]any{"items": items})
		if err != nil {
			return err
		}

		var result struct {
			Documents []struct {
				ID string `json:"id"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored %d knowledge document(s)", len(result.Documents))
		return nil
	},
}

func init() {
	learnCmd.Flags().String("text", "", "text content to store")
	learnCmd.Flags().String("file", "", "file path to extract and store (txt, pdf, html)")
	learnCmd.Flags().String("class", "", "problem class for the stored knowledge")
	learnCmd.Flags().String("entities", "", "comma-separated entities")
	learnCmd.Flags().String("space", "", "memory space name")
}

// --- seed ---

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Bulk-load knowledge from a file or URL",
	Long: `Bulk-load knowledge from a file or URL.

Like learn, but marks the documents with source "seed" so externally
loaded knowledge stays distinguishable from manual and synthesized
entries.

Examples:
  engram seed --file ./team-glossary.pdf
  engram seed --url https://internal.wiki/runbook --class operations`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		rawURL, _ := cmd.Flags().GetString("url")
		class, _ := cmd.Flags().GetString("class")
		space, _ := cmd.Flags().GetString("space")

		if file == "" && rawURL == "" {
			return fmt.Errorf("one of --file or --url is required")
		}

		var content string
		switch {
		case file != "":
			c, err := extract.FromFile(file)
			if err != nil {
				return fmt.Errorf("extracting %s: %w", file, err)
			}
			content = c
		case rawURL != "":
			c, err := fetchURL(cmd.Context(), rawURL)
			if err != nil {
				return fmt.Errorf("fetching %s: %w", rawURL, err)
			}
			content = c
		}

		chunks := extract.Chunks(content, 0)
		if len(chunks) == 0 {
			return fmt.Errorf("no content to seed")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		items := make([]map[string]any, len(chunks))
		for i, chunk := range chunks {
			item := map[string]any{
				"content": chunk,
				"source":  "seed",
			}
			if class != "" {
				item["problem_class"] = class
			}
			items[i] = item
		}

		resp, err := client.post(cmd.Context(), "/documents/batch"+spaceQuery(space, nil), map[string]any{"items": items})
		if err != nil {
			return err
		}

		var result struct {
			Documents []struct {
				ID string `json:"id"`
			} `json:"documents"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Seeded %d knowledge document(s)", len(result.Documents))
		return nil
	},
}

func init() {
	seedCmd.Flags().String("file", "", "file path to extract and seed (txt, pdf, html)")
	seedCmd.Flags().String("url", "", "URL to fetch, strip to text, and seed")
	seedCmd.Flags().String("class", "", "problem class for the seeded knowledge")
	seedCmd.Flags().String("space", "", "memory space name")
}

func fetchURL(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", err
	}
	httpClient := &http.Client{Timeout: 30 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("server returned %d", resp.StatusCode)
	}

	ct := resp.Header.Get("Content-Type")
	if strings.Contains(ct, "text/html") {
		return extract.HTML(resp.Body)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// --- docs ---

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage stored knowledge documents",
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent knowledge documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		space, _ := cmd.Flags().GetString("space")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("limit", fmt.Sprintf("%d", limit))
		resp, err := client.get(cmd.Context(), "/documents"+spaceQuery(space, params))
		if err != nil {
			return err
		}

		var docs []struct {
			ID           string `json:"id"`
			CreatedAt    string `json:"created_at"`
			ProblemClass string `json:"problem_class"`
			Content      string `json:"content"`
		}
		if err := decodeJSON(resp, &docs); err != nil {
			return err
		}

		if len(docs) == 0 {
			fmt.Println("No documents found.")
			return nil
		}

		for _, d := range docs {
			content := d.Content
			if len(content) > 80 {
				content = content[:80] + "..."
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(colorCyan, d.ID[:8]),
				d.CreatedAt,
				content,
			)
		}
		return nil
	},
}

var docsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single knowledge document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		space, _ := cmd.Flags().GetString("space")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/documents/"+args[0]+spaceQuery(space, nil))
		if err != nil {
			return err
		}

		var doc any
		if err := decodeJSON(resp, &doc); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(doc)
	},
}

var docsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a knowledge document",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		space, _ := cmd.Flags().GetString("space")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.delete(cmd.Context(), "/documents/"+args[0]+spaceQuery(space, nil))
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Deleted document %s", args[0])
		return nil
	},
}

func init() {
	docsListCmd.Flags().Int("limit", 20, "maximum number of documents to list")
	docsListCmd.Flags().String("space", "", "memory space name")
	docsShowCmd.Flags().String("space", "", "memory space name")
	docsDeleteCmd.Flags().String("space", "", "memory space name")
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsShowCmd)
	docsCmd.AddCommand(docsDeleteCmd)
}

// --- tasks ---

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the learning task queue",
}

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List learning tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		status, _ := cmd.Flags().GetString("status")
		space, _ := cmd.Flags().GetString("space")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		params := url.Values{}
		params.Set("limit", fmt.Sprintf("%d", limit))
		if status != "" {
			params.Set("status", status)
		}
		resp, err := client.get(cmd.Context(), "/tasks"+spaceQuery(space, params))
		if err != nil {
			return err
		}

		var tasks []struct {
			ID        int64  `json:"id"`
			Status    string `json:"status"`
			Attempts  int    `json:"attempts"`
			CreatedAt string `json:"created_at"`
			UserInput string `json:"user_input"`
			ErrorMsg  string `json:"error_msg"`
		}
		if err := decodeJSON(resp, &tasks); err != nil {
			return err
		}

		if len(tasks) == 0 {
			fmt.Println("No tasks found.")
			return nil
		}

		for _, t := range tasks {
			input := t.UserInput
			if len(input) > 60 {
				input = input[:60] + "..."
			}
			line := fmt.Sprintf("%-6d %-10s %s  %s", t.ID, t.Status, t.CreatedAt, input)
			fmt.Println(line)
			if t.ErrorMsg != "" {
				fmt.Printf("       %s\n", colorize(colorRed, t.ErrorMsg))
			}
		}
		return nil
	},
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a single learning task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		space, _ := cmd.Flags().GetString("space")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tasks/"+args[0]+spaceQuery(space, nil))
		if err != nil {
			return err
		}

		var task any
		if err := decodeJSON(resp, &task); err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(task)
	},
}

func init() {
	tasksListCmd.Flags().Int("limit", 20, "maximum number of tasks to list")
	tasksListCmd.Flags().String("status", "", "filter by status (pending, processing, done, failed)")
	tasksListCmd.Flags().String("space", "", "memory space name")
	tasksShowCmd.Flags().String("space", "", "memory space name")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
}

// --- verify ---

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check document and vector index consistency",
	RunE: func(cmd *cobra.Command, args []string) error {
		space, _ := cmd.Flags().GetString("space")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/consistency"+spaceQuery(space, nil))
		if err != nil {
			return err
		}

		var result struct {
			Consistent bool     `json:"consistent"`
			DriftedIDs []string `json:"drifted_ids"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Consistent {
			printSuccess("Document store and vector index are consistent")
			return nil
		}

		printWarning("%d document(s) drifted between store and index:", len(result.DriftedIDs))
		for _, id := range result.DriftedIDs {
			fmt.Printf("  %s\n", id)
		}
		return fmt.Errorf("index inconsistency detected")
	},
}

func init() {
	verifyCmd.Flags().String("space", "", "memory space name")
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
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		keys := config.ShowAll(cfg)
		for _, k := range keys {
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

// spaceQuery builds the query string for a request, folding the optional
// space name into any other parameters.
func spaceQuery(space string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	if space != "" {
		params.Set("space", space)
	}
	if len(params) == 0 {
		return ""
	}
	return "?" + params.Encode()
}
