package main

import (
	"fmt"
	"os"

	"github.com/danmuck/flowlearn/internal/config"
	"github.com/danmuck/flowlearn/internal/logging"
	"github.com/spf13/cobra"
)

var version = "dev"

type rootOptions struct {
	configPath string
	httpURL    string
	streamURL  string
	transport  string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	rootCmd := &cobra.Command{
		Use:   "flowlearn",
		Short: "Realtime client for the flowlearn chat, notification and task gateway",
		Long: `flowlearn keeps one streaming session to the gateway, subscribes to its topics and
prints chat messages, notifications and processed tasks as they arrive. Commands are
submitted over HTTP and show up again on the stream once the gateway republishes them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logging.ConfigureRuntime("flowlearn")
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&opts.configPath, "config", "c", "", "config file (default $"+config.EnvPath+")")
	flags.StringVar(&opts.httpURL, "http-url", "", "gateway HTTP base URL")
	flags.StringVar(&opts.streamURL, "stream-url", "", "gateway streaming URL")
	flags.StringVar(&opts.transport, "transport", "", "streaming transport: stomp|nats")

	rootCmd.AddCommand(
		newWatchCmd(opts),
		newChatCmd(opts),
		newNotifyCmd(opts),
		newTaskCmd(opts),
		newRecentCmd(opts),
		newConfigCmd(),
	)
	return rootCmd
}

// load resolves the config file, then applies flag overrides.
func (o *rootOptions) load() (config.Config, error) {
	cfg := config.Default()
	if path := config.ResolvePath(o.configPath); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return config.Config{}, err
		}
		cfg = loaded
	}
	if o.httpURL != "" {
		cfg.Gateway.HTTPURL = o.httpURL
	}
	if o.transport != "" {
		cfg.Transport = o.transport
	}
	if o.streamURL != "" {
		if cfg.Transport == config.TransportNATS {
			cfg.NATS.URL = o.streamURL
		} else {
			cfg.Gateway.StreamURL = o.streamURL
		}
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
