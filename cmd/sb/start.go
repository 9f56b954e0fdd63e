package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/zulandar/signalbox/internal/chat"
	"github.com/zulandar/signalbox/internal/chat/discord"
	"github.com/zulandar/signalbox/internal/chat/slack"
	"github.com/zulandar/signalbox/internal/config"
	"github.com/zulandar/signalbox/internal/engine"
	"github.com/zulandar/signalbox/internal/logging"
	"github.com/zulandar/signalbox/internal/mattermost"
	"github.com/zulandar/signalbox/internal/metrics"
	"github.com/zulandar/signalbox/internal/webhook"
	"github.com/zulandar/signalbox/internal/window"
)

// ingestMode selects how Mattermost posts reach the engine.
type ingestMode struct {
	poll    bool
	webhook bool
}

func parseIngestMode(s string) (ingestMode, error) {
	switch s {
	case "poll":
		return ingestMode{poll: true}, nil
	case "webhook":
		return ingestMode{webhook: true}, nil
	case "both":
		return ingestMode{poll: true, webhook: true}, nil
	}
	return ingestMode{}, fmt.Errorf("unknown ingest mode %q (poll, webhook, both)", s)
}

func newStartCmd() *cobra.Command {
	var (
		flags  configFlags
		ingest string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the relay",
		Long: `Starts the relay: ingests Mattermost posts (by polling, webhook, or both),
posts out-of-hours requests to the chat platform, and runs reminders,
escalations and the operational HTTP endpoints until interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStart(cmd, &flags, ingest)
		},
	}

	flags.register(cmd)
	cmd.Flags().StringVar(&ingest, "ingest", "poll", "ingestion mode: poll, webhook or both")
	return cmd
}

func runStart(cmd *cobra.Command, flags *configFlags, ingest string) error {
	out := cmd.OutOrStdout()

	mode, err := parseIngestMode(ingest)
	if err != nil {
		return err
	}
	cfg, err := flags.load()
	if err != nil {
		return err
	}
	logging.Setup(cfg.LogLevel, os.Stderr)

	st, err := openStore(cfg)
	if err != nil {
		return err
	}
	policy, err := window.FromConfig(cfg.Schedule)
	if err != nil {
		return err
	}
	mm, err := mattermost.NewClient(mattermost.ClientOpts{
		ServerURL:          cfg.Mattermost.ServerURL,
		Team:               cfg.Mattermost.Team,
		Token:              cfg.Mattermost.Token,
		ProfileURLTemplate: cfg.Mattermost.ProfileURLTemplate,
		Timeout:            cfg.Mattermost.Timeout.Duration,
		RateLimit:          cfg.Mattermost.RateLimit,
	})
	if err != nil {
		return err
	}
	adapter, err := newAdapter(cfg)
	if err != nil {
		return err
	}

	m := metrics.New()
	eng, err := engine.New(engine.Opts{
		Store:              st,
		Adapter:            adapter,
		Mattermost:         mm,
		Policy:             policy,
		Metrics:            m,
		SupportChannel:     cfg.Chat.SupportChannel,
		ManagerChannel:     cfg.Chat.ManagerChannel,
		MattermostBot:      cfg.Mattermost.BotUserID,
		Trigger:            cfg.Mattermost.Trigger,
		QueueCapacity:      cfg.Relay.QueueCapacity,
		ReminderInterval:   cfg.Relay.ReminderInterval.Duration,
		MaxReminders:       cfg.Relay.MaxReminders,
		ResponseDeadline:   cfg.Relay.ResponseDeadline.Duration,
		Retention:          cfg.Relay.Retention.Duration,
		MaxPending:         cfg.Relay.MaxPending,
		SweepCron:          cfg.Relay.SweepCron,
		EmailDomain:        cfg.Linking.EmailDomain,
		SpecialistPosition: cfg.Linking.SpecialistPosition,
	})
	if err != nil {
		return err
	}
	server, err := webhook.New(webhook.Opts{
		Engine:  eng,
		Metrics: m,
		Port:    cfg.Webhook.Port,
		Path:    cfg.Webhook.Path,
		Token:   cfg.Webhook.Token,
		Ingest:  mode.webhook,
		Out:     out,
	})
	if err != nil {
		return err
	}

	// Set up context with signal handling for clean shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case sig := <-sigCh:
			fmt.Fprintf(out, "\nReceived %s, shutting down...\n", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	background := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(ctx); err != nil {
				errCh <- fmt.Errorf("%s: %w", name, err)
				cancel()
			}
		}()
	}

	if mode.poll {
		poller, err := mattermost.NewPoller(mattermost.PollerOpts{
			Source:        mm,
			ChannelID:     cfg.Mattermost.ChannelID,
			BotUserID:     cfg.Mattermost.BotUserID,
			Interval:      cfg.Mattermost.PollInterval.Duration,
			RetryInterval: cfg.Mattermost.RetryInterval.Duration,
			Lookback:      cfg.Mattermost.Lookback.Duration,
			Handle:        eng.HandlePost,
		})
		if err != nil {
			return err
		}
		background("poller", poller.Run)
	}
	background("webhook", server.Start)

	fmt.Fprintf(out, "signalbox started (platform: %s, ingest: %s)\n", cfg.Chat.Platform, ingest)
	log.Info().Str("platform", cfg.Chat.Platform).Str("ingest", ingest).Msg("signalbox started")

	runErr := eng.Run(ctx)
	cancel()
	wg.Wait()
	close(errCh)

	if runErr != nil {
		return runErr
	}
	for err := range errCh {
		return err
	}
	fmt.Fprintln(out, "signalbox stopped")
	return nil
}

// newAdapter builds the chat adapter for the configured platform.
func newAdapter(cfg *config.Config) (chat.Adapter, error) {
	switch cfg.Chat.Platform {
	case "slack":
		a, err := slack.New(slack.AdapterOpts{
			AppToken: cfg.Chat.Slack.AppToken,
			BotToken: cfg.Chat.Slack.BotToken,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	case "discord":
		a, err := discord.New(discord.AdapterOpts{
			BotToken: cfg.Chat.Discord.BotToken,
			GuildID:  cfg.Chat.Discord.GuildID,
		})
		if err != nil {
			return nil, err
		}
		return a, nil
	}
	return nil, fmt.Errorf("unsupported chat platform %q", cfg.Chat.Platform)
}
