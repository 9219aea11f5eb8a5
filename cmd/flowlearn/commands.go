package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/flowlearn/internal/command"
	"github.com/danmuck/flowlearn/internal/config"
	"github.com/danmuck/flowlearn/internal/feed"
	"github.com/spf13/cobra"
)

const commandTimeout = 10 * time.Second

func commandClient(cfg config.Config) (*command.Client, error) {
	return command.New(cfg.Gateway.HTTPURL, nil)
}

func newChatCmd(opts *rootOptions) *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "chat <message...>",
		Short: "Send a chat message",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if user == "" {
				user = cfg.Username
			}
			c, err := commandClient(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return c.SubmitChat(ctx, user, strings.Join(args, " "))
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "username (defaults to the config username)")
	return cmd
}

func newNotifyCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "notify <title> <message...>",
		Short: "Broadcast a notification",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			c, err := commandClient(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return c.SubmitNotification(ctx, args[0], strings.Join(args[1:], " "))
		},
	}
}

func newTaskCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "task <data...>",
		Short: "Submit a background task",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			c, err := commandClient(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			return c.SubmitTask(ctx, strings.Join(args, " "))
		},
	}
}

func newRecentCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "recent",
		Short: "Print the gateway's recent message backlog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			c, err := commandClient(cfg)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			msgs, err := c.FetchRecent(ctx)
			if err != nil {
				return err
			}
			f := feed.New(cfg.FeedCapacity)
			f.MergeBacklog(msgs)
			(&printer{out: cmd.OutOrStdout()}).backlog(f, feed.DefaultTopics())
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Write or validate a config file",
	}

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default config",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "flowlearn.toml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote config template to %s\n", path)
			return nil
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validateCmd := &cobra.Command{
		Use:   "validate <path>",
		Short: "Validate a config file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Validated config at %s\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(initCmd, validateCmd)
	return cmd
}
