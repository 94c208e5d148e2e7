package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xoelrdgz/sshwarden/internal/adapters/admin"
	"github.com/xoelrdgz/sshwarden/internal/ports"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active blocks and engine state",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		snap, err := newAdminClient().Status(ctx)
		if err != nil {
			return explain(err)
		}
		if jsonOut {
			return printJSON(snap)
		}
		fmt.Print(renderStatus(snap, time.Now()))
		return nil
	},
}

var unblockCmd = &cobra.Command{
	Use:   "unblock <ip>",
	Short: "Lift the block on an identity",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		if err := newAdminClient().Unblock(ctx, args[0]); err != nil {
			return explain(err)
		}
		fmt.Println(renderOK("unblocked " + args[0]))
		return nil
	},
}

var whitelistCmd = &cobra.Command{
	Use:   "whitelist",
	Short: "Manage the runtime whitelist",
}

var whitelistAddCmd = &cobra.Command{
	Use:   "add <ip|cidr>",
	Short: "Whitelist an address or prefix, releasing any block it covers",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		if err := newAdminClient().WhitelistAdd(ctx, args[0]); err != nil {
			return explain(err)
		}
		fmt.Println(renderOK("whitelisted " + args[0]))
		return nil
	},
}

var whitelistRemoveCmd = &cobra.Command{
	Use:     "remove <ip|cidr>",
	Aliases: []string{"rm"},
	Short:   "Remove a whitelist entry",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		if err := newAdminClient().WhitelistRemove(ctx, args[0]); err != nil {
			return explain(err)
		}
		fmt.Println(renderOK("removed " + args[0]))
		return nil
	},
}

var whitelistListCmd = &cobra.Command{
	Use:     "list",
	Aliases: []string{"ls"},
	Short:   "List whitelist entries",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext()
		defer cancel()

		entries, err := newAdminClient().Whitelist(ctx)
		if err != nil {
			return explain(err)
		}
		if jsonOut {
			return printJSON(entries)
		}
		fmt.Print(renderWhitelist(entries))
		return nil
	},
}

func init() {
	whitelistCmd.AddCommand(whitelistAddCmd)
	whitelistCmd.AddCommand(whitelistRemoveCmd)
	whitelistCmd.AddCommand(whitelistListCmd)
}

func commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func newAdminClient() *admin.Client {
	addr := adminAddr
	if addr == "" {
		addr = viper.GetString("admin.listen")
	}
	return admin.NewClient(addr, 10*time.Second)
}

// explain turns control-surface errors into messages for an operator.
func explain(err error) error {
	switch {
	case errors.Is(err, ports.ErrNotBlocked):
		return errors.New("that identity is not blocked")
	case errors.Is(err, ports.ErrNotWhitelisted):
		return errors.New("that entry is not on the whitelist")
	case errors.Is(err, ports.ErrMonitorStopped):
		return errors.New("the engine is shutting down")
	}
	var apiErr *admin.APIError
	if errors.As(err, &apiErr) {
		return errors.New(apiErr.Message)
	}
	return fmt.Errorf("cannot reach sshwarden: %w", err)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
