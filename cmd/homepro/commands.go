package main

import (
	"fmt"
	"net/url"
	"strconv"
	"unicode/utf8"

	"github.com/spf13/cobra"

	"github.com/kalambet/homepro/internal/config"
)

// --- conversations ---

type conversationRow struct {
	ID        string  `json:"id"`
	UserID    *string `json:"userId"`
	Title     *string `json:"title"`
	CreatedAt string  `json:"createdAt"`
	UpdatedAt string  `json:"updatedAt"`
}

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List stored conversations, most recently active first",
	RunE: func(cmd *cobra.Command, args []string) error {
		user, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{"userId": {user}}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		var body struct {
			Conversations []conversationRow `json:"conversations"`
		}
		if err := client.getJSON(cmd.Context(), "/conversations", q, &body); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(body.Conversations) == 0 {
			fmt.Fprintln(out, "No conversations found.")
			return nil
		}
		for _, c := range body.Conversations {
			title := "(untitled)"
			if c.Title != nil && *c.Title != "" {
				title = *c.Title
			}
			fmt.Fprintf(out, "%s  %s  %s\n", colorize(colorCyan, c.ID), c.UpdatedAt, title)
		}
		return nil
	},
}

func init() {
	conversationsCmd.Flags().String("user", "", "only conversations of this user id")
	conversationsCmd.Flags().Int("limit", 0, "maximum number of conversations (default all)")
}

// --- history ---

var historyCmd = &cobra.Command{
	Use:   "history <conversationId>",
	Short: "Show the messages of a conversation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		q := url.Values{"conversationId": {args[0]}}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		var body struct {
			Messages []struct {
				Role      string  `json:"role"`
				Content   string  `json:"content"`
				Name      *string `json:"name"`
				CreatedAt string  `json:"createdAt"`
			} `json:"messages"`
		}
		if err := client.getJSON(cmd.Context(), "/history", q, &body); err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if len(body.Messages) == 0 {
			fmt.Fprintln(out, "No messages found.")
			return nil
		}
		for _, m := range body.Messages {
			who := m.Role
			if m.Name != nil && *m.Name != "" {
				who += " (" + *m.Name + ")"
			}
			content := m.Content
			if utf8.RuneCountInString(content) > 500 {
				content = string([]rune(content)[:500]) + "..."
			}
			fmt.Fprintf(out, "\n%s  %s\n  %s\n", colorize(colorBold, who), m.CreatedAt, content)
		}
		return nil
	},
}

func init() {
	historyCmd.Flags().Int("limit", 0, "number of latest messages (default server side)")
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

		out := cmd.OutOrStdout()
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(out, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
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

		if err := config.SetKey(configPath, key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configUnsetCmd = &cobra.Command{
	Use:   "unset <key>",
	Short: "Remove a value from the config file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.UnsetKey(configPath, args[0]); err != nil {
			return err
		}
		printSuccess("Unset %s", args[0])
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configUnsetCmd)
}
