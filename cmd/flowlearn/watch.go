package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/danmuck/flowlearn/internal/client"
	"github.com/danmuck/flowlearn/internal/command"
	"github.com/danmuck/flowlearn/internal/feed"
	"github.com/danmuck/flowlearn/internal/observability"
	"github.com/danmuck/flowlearn/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newWatchCmd(opts *rootOptions) *cobra.Command {
	var (
		user     string
		noInput  bool
		noRecent bool
	)
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream chat, notifications and task results",
		Long: `watch connects to the gateway stream and prints every new message on the configured
topics. When a username is set, lines read from stdin are sent as chat messages.
Prefix a line with /task to submit a task, or /notify <title>: <message> to broadcast.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if user != "" {
				cfg.Username = user
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			out := &printer{out: cmd.OutOrStdout()}
			cmds, err := commandClient(cfg)
			if err != nil {
				return err
			}
			dialer, err := cfg.StreamDialer()
			if err != nil {
				return err
			}

			f := feed.New(cfg.FeedCapacity)
			if !noRecent {
				loadBacklog(ctx, cmds, f, cfg.Topics, out)
			}

			cl := client.New(client.Config{
				Session: cfg.Session,
				OnError: func(err error) {
					log.Debug().Err(err).Msg("flowlearn.watch client error")
				},
				OnStateChange: out.state,
			}, dialer)

			runErr := make(chan error, 1)
			go func() { runErr <- cl.Run(ctx) }()

			onDecodeErr := func(err error) {
				log.Warn().Err(err).Msg("flowlearn.watch dropped message")
			}
			for _, topic := range cfg.Topics {
				if err := cl.Subscribe(ctx, topic, f.Handler(out.message, onDecodeErr)); err != nil {
					return fmt.Errorf("subscribe %s: %w", topic, err)
				}
			}
			cl.Start()
			log.Info().
				Str("transport", cfg.Transport).
				Strs("topics", cfg.Topics).
				Msg("flowlearn.watch started")

			if cfg.StatusAddr != "" {
				gin.SetMode(gin.ReleaseMode)
				srv := observability.NewStatusServer(cfg.StatusAddr, statusFunc(cl))
				go func() {
					if err := srv.Run(ctx); err != nil {
						log.Error().Err(err).Str("addr", cfg.StatusAddr).Msg("flowlearn.watch status server")
					}
				}()
			}

			if !noInput && cfg.Username != "" {
				go readInput(ctx, cmd.InOrStdin(), cmds, cfg.Username, out)
			}

			err = <-runErr
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "username for chat input (defaults to the config username)")
	cmd.Flags().BoolVar(&noInput, "no-input", false, "do not read commands from stdin")
	cmd.Flags().BoolVar(&noRecent, "no-recent", false, "skip loading the recent backlog")
	return cmd
}

func loadBacklog(ctx context.Context, cmds *command.Client, f *feed.Feed, topics []string, out *printer) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()
	msgs, err := cmds.FetchRecent(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("flowlearn.watch recent backlog unavailable")
		return
	}
	f.MergeBacklog(msgs)
	out.backlog(f, topics)
}

func statusFunc(cl *client.Client) observability.StatusFunc {
	return func(ctx context.Context) observability.Status {
		s := cl.Session()
		st := observability.Status{
			Connected: s.State == session.StateConnected,
			State:     s.State.String(),
			SessionID: s.ID,
		}
		if s.LastError != nil {
			st.LastError = s.LastError.Error()
		}
		if topics, err := cl.Topics(ctx); err == nil {
			st.Topics = topics
		}
		if stats, err := cl.Stats(ctx); err == nil {
			st.Dispatched = stats.Dispatched
			st.Dropped = stats.Dropped
			st.DecodeErrors = stats.DecodeErrors
		}
		return st
	}
}

func readInput(ctx context.Context, in io.Reader, cmds *command.Client, user string, out *printer) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		c, ok := parseInput(user, scanner.Text())
		if !ok {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		err := cmds.Send(sendCtx, c)
		cancel()
		if err != nil {
			out.linef("! %s failed: %v", c.Endpoint(), err)
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// parseInput maps one stdin line to a command. Blank lines yield false.
func parseInput(user, line string) (command.Command, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, false
	}
	switch {
	case strings.HasPrefix(line, "/task "):
		return command.Task{TaskData: strings.TrimSpace(strings.TrimPrefix(line, "/task "))}, true
	case strings.HasPrefix(line, "/notify "):
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/notify "))
		title, msg, found := strings.Cut(rest, ":")
		if !found {
			return command.Notification{Title: "Notice", Message: rest}, true
		}
		return command.Notification{Title: strings.TrimSpace(title), Message: strings.TrimSpace(msg)}, true
	default:
		return command.Chat{Username: user, Content: line}, true
	}
}
