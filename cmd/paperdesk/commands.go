package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"

	"github.com/kalambet/paperdesk/internal/channel"
	"github.com/kalambet/paperdesk/internal/config"
	"github.com/kalambet/paperdesk/internal/conversation"
)

// --- channel ---

var channelCmd = &cobra.Command{
	Use:   "channel [id]",
	Short: "Show or switch the channel of the running server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		if len(args) == 0 {
			return showChannel(cmd.Context(), c, cmd.OutOrStdout())
		}
		return switchChannel(cmd.Context(), c, args[0])
	},
}

func showChannel(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.get(ctx, "/v1/channel")
	if err != nil {
		return err
	}
	var out struct {
		ChannelID string `json:"channel_id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	fmt.Fprintln(w, valueOr(out.ChannelID, "(none)"))
	return nil
}

func switchChannel(ctx context.Context, c *apiClient, id string) error {
	resp, err := c.put(ctx, "/v1/channel", map[string]string{"channel_id": id})
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess("Switched to channel %s", id)
	return nil
}

// --- papers ---

var papersCmd = &cobra.Command{
	Use:   "papers",
	Short: "Show and curate the search results of the active channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return listPapers(cmd.Context(), c, cmd.OutOrStdout())
	},
}

var papersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the visible search results",
	RunE:  papersCmd.RunE,
}

var papersDismissCmd = &cobra.Command{
	Use:   "dismiss <paper-id>",
	Short: "Hide a paper from the search results",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return setDismissed(cmd.Context(), c, args[0], true)
	},
}

var papersUndismissCmd = &cobra.Command{
	Use:   "undismiss <paper-id>",
	Short: "Show a dismissed paper again",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return setDismissed(cmd.Context(), c, args[0], false)
	},
}

var papersDismissAllCmd = &cobra.Command{
	Use:   "dismiss-all",
	Short: "Hide every paper of the current search",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return postSessionUpdate(cmd.Context(), c, "/v1/papers/dismiss-all", "Dismissed all papers")
	},
}

var papersResetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the search results and dismissals of the active channel",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return postSessionUpdate(cmd.Context(), c, "/v1/session/reset", "Session reset")
	},
}

func listPapers(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.get(ctx, "/v1/session")
	if err != nil {
		return err
	}
	var v channel.View
	if err := decodeJSON(resp, &v); err != nil {
		return err
	}
	writeSession(w, v)
	return nil
}

func setDismissed(ctx context.Context, c *apiClient, paperID string, dismiss bool) error {
	path := "/v1/papers/" + url.PathEscape(paperID) + "/dismiss"
	var (
		resp *http.Response
		err  error
	)
	if dismiss {
		resp, err = c.post(ctx, path, nil)
	} else {
		resp, err = c.delete(ctx, path)
	}
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	if dismiss {
		printSuccess("Dismissed %s", paperID)
	} else {
		printSuccess("Restored %s", paperID)
	}
	return nil
}

func postSessionUpdate(ctx context.Context, c *apiClient, path, done string) error {
	resp, err := c.post(ctx, path, nil)
	if err != nil {
		return err
	}
	if err := decodeJSON(resp, nil); err != nil {
		return err
	}
	printSuccess("%s", done)
	return nil
}

// --- actions ---

var actionsCmd = &cobra.Command{
	Use:   "actions",
	Short: "List suggested actions waiting for confirmation",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return listActions(cmd.Context(), c, cmd.OutOrStdout())
	},
}

var actionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List suggested actions waiting for confirmation",
	RunE:  actionsCmd.RunE,
}

var actionsConfirmCmd = &cobra.Command{
	Use:   "confirm <key>",
	Short: "Confirm a suggested action",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := newAPIClient()
		if err != nil {
			return err
		}
		return confirmAction(cmd.Context(), c, args[0])
	},
}

func listActions(ctx context.Context, c *apiClient, w io.Writer) error {
	resp, err := c.get(ctx, "/v1/actions")
	if err != nil {
		return err
	}
	var actions []conversation.PendingAction
	if err := decodeJSON(resp, &actions); err != nil {
		return err
	}
	writeActions(w, actions)
	return nil
}

func confirmAction(ctx context.Context, c *apiClient, key string) error {
	resp, err := c.post(ctx, "/v1/actions/"+url.PathEscape(key)+"/confirm", nil)
	if err != nil {
		return err
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}
	printSuccess("Queued confirmation of %s (job %s)", key, out.JobID)
	return nil
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
		cfg, err := config.LoadUnvalidated()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(cmd.OutOrStdout(), "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  (stored in %s)\n", config.Location())
		if err := config.Validate(cfg); err != nil {
			printWarning("%v", err)
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

var configTokenCmd = &cobra.Command{
	Use:   "token <token>",
	Short: "Store the assistant API token in the platform keychain",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.StoreToken(args[0]); err != nil {
			return err
		}
		printSuccess("API token stored")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(channelCmd)

	papersCmd.AddCommand(papersListCmd)
	papersCmd.AddCommand(papersDismissCmd)
	papersCmd.AddCommand(papersUndismissCmd)
	papersCmd.AddCommand(papersDismissAllCmd)
	papersCmd.AddCommand(papersResetCmd)

	actionsCmd.AddCommand(actionsListCmd)
	actionsCmd.AddCommand(actionsConfirmCmd)

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configTokenCmd)
}
