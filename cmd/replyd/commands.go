package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/svarx/replyd/internal/config"
)

// --- draft ---

var draftCmd = &cobra.Command{
	Use:   "draft",
	Short: "Draft a reply to an email",
	Long: `Draft a reply to an email using the local model.

Examples:
  replyd draft --email "Can we move the sync to Thursday?"
  replyd draft --file ./inbox.txt --tone casual --length short`,
	RunE: func(cmd *cobra.Command, args []string) error {
		email, _ := cmd.Flags().GetString("email")
		file, _ := cmd.Flags().GetString("file")
		tone, _ := cmd.Flags().GetString("tone")
		length, _ := cmd.Flags().GetString("length")

		if email == "" && file == "" {
			return fmt.Errorf("one of --email or --file is required")
		}
		if file != "" {
			data, err := os.ReadFile(file)
			if err != nil {
				return fmt.Errorf("reading file: %w", err)
			}
			email = string(data)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{"email_text": email}
		if tone != "" {
			req["tone"] = tone
		}
		if length != "" {
			req["length"] = length
		}

		resp, err := client.post(cmd.Context(), "/generate", req)
		if err != nil {
			return err
		}

		var result struct {
			OK        bool   `json:"ok"`
			FromModel bool   `json:"from_model"`
			Reply     string `json:"reply"`
			Meta      *struct {
				ElapsedMS int64 `json:"elapsed_ms"`
			} `json:"meta"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Println(result.Reply)
		if !result.FromModel {
			printWarning("Model unavailable, this is a template reply")
		} else if result.Meta != nil {
			printStatus("Generated in", "%dms", result.Meta.ElapsedMS)
		}
		return nil
	},
}

func init() {
	draftCmd.Flags().String("email", "", "email text to reply to")
	draftCmd.Flags().String("file", "", "file containing the email text")
	draftCmd.Flags().String("tone", "", "reply tone (professional, casual, friendly, formal)")
	draftCmd.Flags().String("length", "", "reply length (short, medium, long)")
}

// --- learn ---

var learnCmd = &cobra.Command{
	Use:   "learn",
	Short: "Record feedback on a suggested reply",
	Long: `Record feedback on a suggested reply so future drafts improve.

Examples:
  replyd learn --type selected --email "Can we meet?" --reply "Sure, Thursday works."
  replyd learn --type thumbs_down --email "Can we meet?" --reply "Yes." --feedback "too terse"`,
	RunE: func(cmd *cobra.Command, args []string) error {
		itype, _ := cmd.Flags().GetString("type")
		email, _ := cmd.Flags().GetString("email")
		reply, _ := cmd.Flags().GetString("reply")
		feedback, _ := cmd.Flags().GetString("feedback")
		tone, _ := cmd.Flags().GetString("tone")

		if email == "" || reply == "" {
			return fmt.Errorf("--email and --reply are required")
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		req := map[string]any{
			"interaction_type": itype,
			"original_email":   email,
			"suggestion":       reply,
		}
		if feedback != "" {
			req["feedback"] = feedback
		}
		if tone != "" {
			req["context"] = map[string]any{"tone": tone}
		}

		resp, err := client.post(cmd.Context(), "/learn", req)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Recorded %s feedback", itype)
		return nil
	},
}

func init() {
	learnCmd.Flags().String("type", "selected", "interaction type (selected, thumbs_up, thumbs_down)")
	learnCmd.Flags().String("email", "", "the original email")
	learnCmd.Flags().String("reply", "", "the suggested reply")
	learnCmd.Flags().String("feedback", "", "optional free-form feedback label")
	learnCmd.Flags().String("tone", "", "tone the reply was requested in")
}

// --- remember ---

var rememberCmd = &cobra.Command{
	Use:   "remember <text>",
	Short: "Store a reply you wrote as a writing sample",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		text := strings.Join(args, " ")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/remember", map[string]any{"text": text})
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored writing sample")
		return nil
	},
}

// --- style ---

var styleCmd = &cobra.Command{
	Use:   "style",
	Short: "Show the learned writing style",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/style")
		if err != nil {
			return err
		}

		var result struct {
			Summary  string `json:"summary"`
			Patterns struct {
				PreferredTone  string   `json:"preferred_tone"`
				AvgWords       int      `json:"avg_words"`
				FormalityLevel float64  `json:"formality_level"`
				CommonStarters []string `json:"common_starters"`
			} `json:"patterns"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Summary == "" {
			fmt.Println("No writing style learned yet.")
			return nil
		}
		fmt.Println(result.Summary)
		printStatus("Tone", "%s", result.Patterns.PreferredTone)
		printStatus("Formality", "%.2f", result.Patterns.FormalityLevel)
		printStatus("Average length", "%d words", result.Patterns.AvgWords)
		if len(result.Patterns.CommonStarters) > 0 {
			printStatus("Starters", "%s", strings.Join(result.Patterns.CommonStarters, "; "))
		}
		return nil
	},
}

// --- samples ---

var samplesCmd = &cobra.Command{
	Use:   "samples",
	Short: "List stored writing samples",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), fmt.Sprintf("/samples?limit=%d", limit))
		if err != nil {
			return err
		}

		var result struct {
			Samples []struct {
				ID        string `json:"id"`
				CreatedAt string `json:"created_at"`
				Text      string `json:"text"`
			} `json:"samples"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Samples) == 0 {
			fmt.Println("No samples stored.")
			return nil
		}
		for _, s := range result.Samples {
			text := s.Text
			if len(text) > 80 {
				text = text[:80] + "..."
			}
			fmt.Printf("%s  %s  %s\n",
				colorize(ansiCyan, s.ID[:8]),
				s.CreatedAt,
				text,
			)
		}
		return nil
	},
}

func init() {
	samplesCmd.Flags().Int("limit", 20, "maximum number of samples to list")
}

// --- storage ---

var storageCmd = &cobra.Command{
	Use:   "storage",
	Short: "Inspect and maintain the local database",
}

var storageStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database size, usage, and health",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/storage")
		if err != nil {
			return err
		}

		var st storageStatusView
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("Size", "%.1f MB of %d MB (%.1f%%)",
			float64(st.SizeBytes)/(1<<20), st.BudgetBytes>>20, st.UsagePercent)
		printStatus("Health", "%s", st.Health)
		printStatus("Samples", "%d", st.Samples)
		printStatus("Training pairs", "%d", st.TrainingPairs)
		printStatus("Feedback", "%d", st.Feedback)
		printStatus("Patterns", "%d", st.Patterns)
		return nil
	},
}

var storageCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Run a cleanup pass now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Running cleanup...")
		resp, err := client.post(cmd.Context(), "/storage/cleanup", nil)
		if err != nil {
			return err
		}

		var result struct {
			Removed int64 `json:"removed"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Removed %d records", result.Removed)
		return nil
	},
}

var storageCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the database against its size budget",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/storage/check", nil)
		if err != nil {
			return err
		}

		var result struct {
			OK       bool   `json:"ok"`
			Critical bool   `json:"critical"`
			Error    string `json:"error"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Critical {
			printError("Storage critical: %s", result.Error)
			return nil
		}
		printSuccess("Storage within budget")
		return nil
	},
}

func init() {
	storageCmd.AddCommand(storageStatusCmd)
	storageCmd.AddCommand(storageCleanupCmd)
	storageCmd.AddCommand(storageCheckCmd)
}

// --- model ---

var modelCmd = &cobra.Command{
	Use:   "model",
	Short: "Inspect and control the model slot",
}

var modelStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the model slot state",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/model")
		if err != nil {
			return err
		}

		var st modelStatusView
		if err := decodeJSON(resp, &st); err != nil {
			return err
		}

		printStatus("State", "%s", st.State)
		if st.Pid > 0 {
			printStatus("Engine PID", "%d", st.Pid)
		}
		printStatus("Generation", "%d", st.Generation)
		if st.State == "loaded" {
			printStatus("Idle", "%ds (unload in %ds)", st.IdleSeconds, st.UnloadInSecs)
		}
		if st.MemoryMB > 0 {
			printStatus("Resources", "%d MB, %.1f%% CPU", st.MemoryMB, st.CPUPercent)
		}
		return nil
	},
}

var modelReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Evict and reload the model",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		printStep("Reloading model...")
		resp, err := client.post(cmd.Context(), "/model/reload", nil)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Model reloaded")
		return nil
	},
}

var modelUnloadCmd = &cobra.Command{
	Use:   "unload",
	Short: "Unload the model and release its memory",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/model/unload", nil)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Model unloaded")
		return nil
	},
}

func init() {
	modelCmd.AddCommand(modelStatusCmd)
	modelCmd.AddCommand(modelReloadCmd)
	modelCmd.AddCommand(modelUnloadCmd)
}

// --- reset ---

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete all learned data",
	RunE: func(cmd *cobra.Command, args []string) error {
		confirm, _ := cmd.Flags().GetBool("confirm")
		if !confirm {
			printWarning("This will delete ALL learned data. Use --confirm to proceed.")
			return nil
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/reset", nil)
		if err != nil {
			return err
		}

		var result map[string]any
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("All learned data deleted")
		return nil
	},
}

func init() {
	resetCmd.Flags().Bool("confirm", false, "confirm deletion")
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
			fmt.Printf("  %s = %s\n", colorize(ansiBold, k.Key), k.Value)
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
			return fmt.Errorf("%w (valid keys: %s)", err, strings.Join(config.ValidKeys(), ", "))
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configJSONCmd = &cobra.Command{
	Use:   "json",
	Short: "Show current configuration as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}

		out := make(map[string]string)
		for _, k := range config.ShowAll(cfg) {
			out[k.Key] = k.Value
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configJSONCmd)
}
