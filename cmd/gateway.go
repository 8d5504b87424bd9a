package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mymmrac/telego"
	slackapi "github.com/slack-go/slack"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/agentrelay/internal/bus"
	"github.com/nextlevelbuilder/agentrelay/internal/channels/slack"
	"github.com/nextlevelbuilder/agentrelay/internal/channels/telegram"
	"github.com/nextlevelbuilder/agentrelay/internal/chatlog"
	"github.com/nextlevelbuilder/agentrelay/internal/config"
	"github.com/nextlevelbuilder/agentrelay/internal/gateway"
	"github.com/nextlevelbuilder/agentrelay/internal/orchestrator"
	"github.com/nextlevelbuilder/agentrelay/internal/outbound"
	"github.com/nextlevelbuilder/agentrelay/internal/providers"
	"github.com/nextlevelbuilder/agentrelay/internal/scheduler"
	"github.com/nextlevelbuilder/agentrelay/internal/sessions"
)

func gatewayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gateway",
		Short: "Run the agent gateway",
		Run: func(cmd *cobra.Command, args []string) {
			runGateway()
		},
	}
}

func runGateway() {
	setupLogging()

	cfg, err := config.Load(cfgFile, dataDir)
	if err != nil {
		slog.Error("config load failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Providers.
	registry := providers.NewRegistry()
	if cfg.Providers.Anthropic.Enabled {
		registry.Register(providers.NewAnthropicAdapter(cfg.Providers.Anthropic.APIKey,
			providers.WithAnthropicModel(cfg.Providers.Anthropic.Model),
			providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.BaseURL),
		))
	}
	registry.Register(providers.NewEchoAdapter("codex", cfg.Providers.Echo.Enabled))

	orch := orchestrator.New(registry)

	// Sessions + transcripts.
	mgr := sessions.NewManager(cfg.Sessions.Dir,
		sessions.WithWorkdirs(cfg.Sessions.WorkdirsDir, cfg.Sessions.BaseWorkdir),
	)
	transcript := chatlog.New(cfg.Sessions.ChatlogDir)

	gw := gateway.New(mgr, orch, transcript, cfg.Providers.Primary, cfg.Providers.Fallback)

	// Channels.
	var boundaries []outbound.Deliverer

	tg := telegram.New(cfg.Channels.Telegram.AllowList)
	var tgBot *telego.Bot
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.BotToken != "" {
		bot, err := telego.NewBot(cfg.Channels.Telegram.BotToken)
		if err != nil {
			slog.Error("telegram bot init failed", "error", err)
			os.Exit(1)
		}
		tgBot = bot
		tg.AttachBot(bot)
		boundaries = append(boundaries, tg)
		slog.Info("telegram channel enabled")
	}

	sl := slack.New(cfg.Channels.Slack.AllowedTenants)
	if cfg.Channels.Slack.Enabled {
		if cfg.Channels.Slack.Skeleton {
			sl.EnableSkeleton()
			slog.Info("slack channel enabled in skeleton mode")
		} else if cfg.Channels.Slack.BotToken != "" {
			sl.AttachClient(slackapi.New(cfg.Channels.Slack.BotToken))
			slog.Info("slack channel enabled")
		}
		boundaries = append(boundaries, sl)
	}

	// Scheduler runtime: cron sessions only, addressed by canonical key.
	schedulerDispatch := outbound.NewDispatcher(firstBoundary(boundaries))
	scheduler.Configure(scheduler.Options{
		IsBusy: scheduler.BusyFunc(mgr),
		Execute: func(ctx context.Context, req scheduler.ExecuteRequest) (string, error) {
			return gw.ExecuteScheduled(ctx, req, schedulerDispatch)
		},
	})

	table := scheduler.NewCronTable()
	for _, j := range cfg.Scheduler.Jobs {
		if err := table.Add(scheduler.Job{Name: j.Name, Schedule: j.Schedule, Prompt: j.Prompt}); err != nil {
			slog.Warn("cron job rejected", "job", j.Name, "error", err)
		}
	}

	queue := scheduler.NewQueueState()
	drainInterval := time.Duration(cfg.Scheduler.DrainIntervalSeconds) * time.Second
	scheduler.StartQueueDrainTimer(scheduler.DrainOptions{
		Interval: drainInterval,
		OnDrain: func() error {
			table.EnqueueDue(queue, time.Now())
			return scheduler.ProcessQueuedJobs(scheduler.ProcessOptions{
				State:  queue,
				IsBusy: scheduler.IsBusy,
				ExecuteJob: func(job scheduler.Job) error {
					route := scheduler.BuildSchedulerRoute(job.Name)
					_, err := scheduler.Execute(ctx, scheduler.ExecuteRequest{
						Prompt:     job.Prompt,
						SessionKey: route.SessionKey,
						UserID:     "scheduler",
					})
					return err
				},
				OnQueueNotEmpty: func(remaining int) {
					slog.Debug("cron queue waiting", "remaining", remaining)
				},
			})
		},
	})

	// Inbound pumps per channel.
	g, gctx := errgroup.WithContext(ctx)
	if tgBot != nil {
		g.Go(func() error { return pumpTelegram(gctx, tgBot, tg, gw) })
	}

	slog.Info("gateway started",
		"sessions_dir", cfg.Sessions.Dir,
		"primary", cfg.Providers.Primary,
		"fallback", cfg.Providers.Fallback,
	)

	<-ctx.Done()
	slog.Info("shutting down")

	scheduler.StopQueueDrainTimer()
	mgr.Stop()
	if err := g.Wait(); err != nil && err != context.Canceled {
		slog.Warn("channel pump exited", "error", err)
	}
}

// pumpTelegram long-polls the Bot API, normalizes updates in arrival order,
// and hands each admitted envelope to the gateway in its own goroutine.
func pumpTelegram(ctx context.Context, bot *telego.Bot, tg *telegram.Channel, gw *gateway.Gateway) error {
	updates, err := bot.UpdatesViaLongPolling(ctx, &telego.GetUpdatesParams{Timeout: 30})
	if err != nil {
		return err
	}

	dispatch := outbound.NewDispatcher(tg)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			raw, usable := telegram.FromUpdate(update)
			if !usable {
				continue
			}
			// Normalization is synchronous so admission order matches
			// arrival order; only the query runs in its own goroutine.
			env, err := tg.NormalizeInbound(raw)
			if err != nil {
				slog.Debug("telegram inbound rejected", "error", err)
				continue
			}
			go func() {
				if err := gw.HandleInbound(ctx, env, dispatch); err != nil {
					slog.Warn("inbound handling failed", "key", env.Identity.SessionKey(), "error", err)
				}
			}()
		}
	}
}

// firstBoundary picks the scheduler's outbound target: the first configured
// channel, or a sink that drops deliveries when none is wired.
func firstBoundary(list []outbound.Deliverer) outbound.Deliverer {
	if len(list) > 0 {
		return list[0]
	}
	return dropSink{}
}

// dropSink accepts and discards deliveries, used when no channel is wired.
type dropSink struct{}

func (dropSink) DeliverOutbound(_ context.Context, p bus.OutboundPayload) (bus.DeliveryReceipt, error) {
	slog.Debug("outbound dropped: no channel configured", "session_key", p.OutboundRoute().SessionKey)
	return bus.DeliveryReceipt{MessageID: "dropped", DeliveredAt: time.Now()}, nil
}
