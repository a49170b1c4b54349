package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/daybook/internal/composer"
	"github.com/kalambet/daybook/internal/config"
	"github.com/kalambet/daybook/internal/model"
)

// --- chat ---

var chatCmd = &cobra.Command{
	Use:   "chat <message>",
	Short: "Send a message to the assistant",
	Long: `Send a message to the assistant.

Diary-like messages are saved as diary entries when you are signed in.

Examples:
  daybook chat "I walked the trail today and felt great"
  daybook chat --external "$(pbpaste)" "summarize this"`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		external, _ := cmd.Flags().GetString("external")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return runChat(cmd.Context(), client, strings.Join(args, " "), external, os.Stdout)
	},
}

func init() {
	chatCmd.Flags().String("external", "", "text supplied by another surface, sent instead of the typed message")
}

type chatResult struct {
	Noop        bool `json:"noop"`
	Interaction *struct {
		AIResponse string   `json:"aiResponse"`
		Categories []string `json:"categories"`
	} `json:"interaction"`
	DiaryCreated *model.Diary `json:"diaryCreated"`
}

func runChat(ctx context.Context, c *apiClient, text, external string, w io.Writer) error {
	resp, err := c.post(ctx, "/chat", map[string]string{"text": text, "externalText": external})
	if err != nil {
		return err
	}
	var res chatResult
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if res.Noop || res.Interaction == nil {
		printWarning("Nothing to send")
		return nil
	}
	fmt.Fprintln(w, res.Interaction.AIResponse)
	if res.DiaryCreated != nil {
		printSuccess("Diary entry %s saved for %s", res.DiaryCreated.ID, res.DiaryCreated.Date)
	}
	return nil
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show, clear or export the conversation history",
}

var historyShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show recent conversation turns",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return showHistory(cmd.Context(), client, limit, os.Stdout)
	},
}

var historyClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete the signed-in principal's history",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete your conversation history. Use --confirm to proceed.")
			return nil
		}
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/history")
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("History cleared")
		return nil
	},
}

var historyExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the conversation history",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		output, _ := cmd.Flags().GetString("output")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		var w io.Writer = os.Stdout
		if output != "" {
			f, err := os.Create(output)
			if err != nil {
				return fmt.Errorf("creating output file: %w", err)
			}
			defer f.Close()
			w = f
		}

		if err := exportHistory(cmd.Context(), client, format, w); err != nil {
			return err
		}
		if output != "" {
			printSuccess("History exported to %s", output)
		}
		return nil
	},
}

func init() {
	historyShowCmd.Flags().Int("limit", 20, "maximum number of turns to show")
	historyClearCmd.Flags().Bool("confirm", false, "confirm deletion")
	historyExportCmd.Flags().String("format", "json", "export format: json, jsonl or yaml")
	historyExportCmd.Flags().String("output", "", "output file path (default: stdout)")
	historyCmd.AddCommand(historyShowCmd)
	historyCmd.AddCommand(historyClearCmd)
	historyCmd.AddCommand(historyExportCmd)
}

func showHistory(ctx context.Context, c *apiClient, limit int, w io.Writer) error {
	resp, err := c.get(ctx, fmt.Sprintf("/history?limit=%d", limit))
	if err != nil {
		return err
	}
	var res struct {
		Principal    string              `json:"principal"`
		Interactions []model.Interaction `json:"interactions"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if len(res.Interactions) == 0 {
		fmt.Fprintln(w, "No conversation history.")
		return nil
	}
	for _, it := range res.Interactions {
		fmt.Fprintf(w, "%s %s\n", colorize(colorCyan, it.Date.String()), it.Weekday)
		fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, "you:"), composer.Truncate(it.UserInput, 200))
		fmt.Fprintf(w, "  %s %s\n", colorize(colorBold, "assistant:"), composer.Truncate(it.AIResponse, 200))
	}
	return nil
}

func exportHistory(ctx context.Context, c *apiClient, format string, w io.Writer) error {
	resp, err := c.get(ctx, "/history/export?format="+url.QueryEscape(format))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeJSON(resp, nil)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// --- diaries ---

var diariesCmd = &cobra.Command{
	Use:   "diaries",
	Short: "List, add or delete diary entries",
	RunE: func(cmd *cobra.Command, args []string) error {
		all, _ := cmd.Flags().GetBool("all")
		limit, _ := cmd.Flags().GetInt("limit")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return listDiaries(cmd.Context(), client, all, limit, os.Stdout)
	},
}

var diariesAddCmd = &cobra.Command{
	Use:   "add <content>",
	Short: "Save a diary entry directly",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		title, _ := cmd.Flags().GetString("title")
		date, _ := cmd.Flags().GetString("date")
		emotion, _ := cmd.Flags().GetString("emotion")
		score, _ := cmd.Flags().GetFloat64("score")

		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/diaries", map[string]any{
			"content":      strings.Join(args, " "),
			"title":        title,
			"date":         date,
			"emotion":      emotion,
			"emotionScore": score,
		})
		if err != nil {
			return err
		}
		var d model.Diary
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}
		printSuccess("Saved diary %s for %s", d.ID, d.Date)
		return nil
	},
}

var diariesDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a diary entry",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.delete(cmd.Context(), "/diaries/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}
		if err := decodeJSON(resp, nil); err != nil {
			return err
		}
		printSuccess("Deleted diary %s", args[0])
		return nil
	},
}

func init() {
	diariesCmd.Flags().Bool("all", false, "list the aggregate collection across principals")
	diariesCmd.Flags().Int("limit", 10, "maximum number of entries to show")
	diariesAddCmd.Flags().String("title", "", "entry title")
	diariesAddCmd.Flags().String("date", "", "entry date as YYYY-MM-DD (default: today)")
	diariesAddCmd.Flags().String("emotion", "", "emotion label")
	diariesAddCmd.Flags().Float64("score", 0, "emotion score between 0 and 1")
	diariesCmd.AddCommand(diariesAddCmd)
	diariesCmd.AddCommand(diariesDeleteCmd)
}

func listDiaries(ctx context.Context, c *apiClient, all bool, limit int, w io.Writer) error {
	path := "/diaries"
	if all {
		path += "?scope=" + model.AllPrincipals
	}
	resp, err := c.get(ctx, path)
	if err != nil {
		return err
	}
	var res struct {
		Items        []model.Diary `json:"items"`
		Stale        bool          `json:"stale"`
		RefreshError string        `json:"refreshError"`
	}
	if err := decodeJSON(resp, &res); err != nil {
		return err
	}
	if res.RefreshError != "" {
		printWarning("%s; showing saved entries", res.RefreshError)
	}

	cp := composer.New()
	cp.MaxDiaries = limit
	cp.DiaryRunes = 300
	diaries := cp.Build(nil, res.Items).Diaries
	if len(diaries) == 0 {
		fmt.Fprintln(w, "No diary entries yet.")
		return nil
	}
	for _, d := range diaries {
		header := d.Date.String()
		if d.Emotion != "" {
			header += colorize(moodColor(d.EmotionScore), fmt.Sprintf(" [%s %.2f]", d.Emotion, d.EmotionScore))
		}
		fmt.Fprintf(w, "%s  %s  %s\n", colorize(colorCyan, d.ID), header, colorize(colorBold, d.Title))
		fmt.Fprintf(w, "  %s\n", d.Content)
	}
	return nil
}

// --- refresh ---

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Revalidate stale cached collections",
	RunE: func(cmd *cobra.Command, args []string) error {
		trigger, _ := cmd.Flags().GetString("trigger")
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		resp, err := client.post(cmd.Context(), "/refresh", map[string]string{"trigger": trigger})
		if err != nil {
			return err
		}
		var res struct {
			OK           bool   `json:"ok"`
			RefreshError string `json:"refreshError"`
		}
		if err := decodeJSON(resp, &res); err != nil {
			return err
		}
		if !res.OK {
			printWarning("%s", res.RefreshError)
			return nil
		}
		printSuccess("Collections refreshed")
		return nil
	},
}

func init() {
	refreshCmd.Flags().String("trigger", "focus", "refresh trigger: focus or reconnect")
}

// --- session ---

var loginCmd = &cobra.Command{
	Use:   "login <principal>",
	Short: "Sign in as principal with a gateway token",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		token, _ := cmd.Flags().GetString("token")
		if token == "" {
			return fmt.Errorf("--token is required")
		}
		principal := args[0]

		if err := config.SetKey("auth.principal_id", principal); err != nil {
			return err
		}
		if err := config.SetAuthToken(token); err != nil {
			return err
		}

		switchSession(cmd.Context(), "/session/login", map[string]string{"principal": principal, "token": token})
		printSuccess("Signed in as %s", principal)
		return nil
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Sign out and continue as guest",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetKey("auth.principal_id", ""); err != nil {
			return err
		}
		if err := config.ClearAuthToken(); err != nil {
			return err
		}
		switchSession(cmd.Context(), "/session/logout", nil)
		printSuccess("Signed out")
		return nil
	},
}

func init() {
	loginCmd.Flags().String("token", "", "gateway bearer token")
}

// switchSession tells a running server about a login or logout. The stored
// credentials are used on the next start when no server is running.
func switchSession(ctx context.Context, path string, body any) {
	client, err := newAPIClient()
	if err != nil {
		printWarning("%v", err)
		return
	}
	resp, err := client.post(ctx, path, body)
	if err != nil {
		printWarning("server not running; the change applies on next start")
		return
	}
	if err := decodeJSON(resp, nil); err != nil {
		printWarning("server rejected the session change: %v", err)
	}
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
			if strings.HasPrefix(err.Error(), "unknown config key") {
				return errors.Join(err, fmt.Errorf("valid keys: %s", strings.Join(config.ValidKeys(), ", ")))
			}
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
