package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"mailbot/internal/application/jobs"
	"mailbot/internal/infrastructure/config"
	"mailbot/internal/infrastructure/imapmail"
	"mailbot/internal/infrastructure/inliner"
	"mailbot/internal/infrastructure/llm"
	"mailbot/internal/infrastructure/scheduler"
	"mailbot/internal/pipeline/dispatch"
	"mailbot/internal/shared/biztime"
	"mailbot/internal/shared/logger"
	"mailbot/internal/shared/version"
)

const stopGrace = 30 * time.Second

// app holds the wired components shared by the subcommands.
type app struct {
	cfg       *config.Config
	log       logger.Interface
	mail      *imapmail.Client
	translate *jobs.TranslateJob
	summarize *jobs.SummarizeJob
}

func buildApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(&cfg.Logger); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	if err := biztime.Init(cfg.Timezone); err != nil {
		return nil, fmt.Errorf("load timezone %q: %w", cfg.Timezone, err)
	}
	log := logger.NewLogger()

	var client llm.Client
	if cfg.LLM.Mock {
		log.Warnw("llm mock mode enabled, no provider calls will be made")
		client = llm.NewMock()
	} else {
		client = llm.NewOpenAIClient(cfg.LLM, log)
	}

	budget := dispatch.NewBudget(cfg.RateLimit.RequestsPerMinute, cfg.RateLimit.TokensPerMinute)
	disp := dispatch.New(budget, cfg.RateLimit.Workers, cfg.RateLimit.MaxAttempts, log)

	mail := imapmail.NewClient(cfg.IMAP, log)
	dial := func(ctx context.Context) (jobs.Mailbox, error) { return mail.Dial(ctx) }

	return &app{
		cfg:       cfg,
		log:       log,
		mail:      mail,
		translate: jobs.NewTranslateJob(dial, client, disp, cfg, inliner.New(), log),
		summarize: jobs.NewSummarizeJob(dial, client, disp, cfg, log),
	}, nil
}

func main() {
	root := &cobra.Command{
		Use:           "mailbot",
		Short:         "Translates and summarizes unread mail over IMAP",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runCmd(), translateCmd(), summarizeCmd(), sampleCmd(), versionCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the scheduler until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}

			interval := a.cfg.Translate.IntervalMinutes
			if interval <= 0 {
				interval = 10
			}

			orch := scheduler.New(biztime.Location(), a.log)
			translateEntry := scheduler.Entry{
				Name:       "translate",
				Trigger:    scheduler.Trigger{FixedDelay: time.Duration(interval) * time.Minute},
				FirstDelay: time.Minute,
				Run:        a.translate.Run,
			}
			summarizeEntry := scheduler.Entry{
				Name:    "summarize",
				Trigger: scheduler.Trigger{Cron: a.cfg.Summarize.Cron},
				WarmUp:  true,
				Run:     a.summarize.Run,
			}
			if a.cfg.Summarize.AfterTranslate {
				// Re-parent summarize onto translate completions; its own
				// cron path is disabled while the toggle is active.
				translateEntry.FollowedBy = "summarize"
				summarizeEntry.Trigger = scheduler.Trigger{}
				summarizeEntry.WarmUp = false
			}
			if err := orch.Add(translateEntry); err != nil {
				return err
			}
			if err := orch.Add(summarizeEntry); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := orch.Start(ctx); err != nil {
				return err
			}
			a.log.Infow("mailbot started", "version", version.String(),
				"interval_minutes", a.cfg.Translate.IntervalMinutes,
				"summarize_cron", a.cfg.Summarize.Cron,
				"chain_after_translate", a.cfg.Summarize.AfterTranslate)

			<-ctx.Done()
			a.log.Infow("shutting down")
			waitCtx, cancel := context.WithTimeout(context.Background(), stopGrace)
			defer cancel()
			if err := orch.Stop(waitCtx); err != nil {
				// Interrupt shutdown is non-cooperative: an overrunning job is
				// abandoned, not an exit failure.
				a.log.Warnw("abandoning jobs still running at shutdown", "error", err)
			}
			return nil
		},
	}
}

func translateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "translate",
		Short: "Translate unread mail once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			return a.translate.Run(cmd.Context())
		},
	}
}

func summarizeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "summarize [folder]",
		Short: "Summarize unread mail once and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			if len(args) == 1 {
				return a.summarize.RunFolder(cmd.Context(), args[0])
			}
			return a.summarize.Run(cmd.Context())
		},
	}
}

func sampleCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "sample",
		Short: "List unread candidates without calling the model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := buildApp()
			if err != nil {
				return err
			}
			sess, err := a.mail.Dial(cmd.Context())
			if err != nil {
				return err
			}
			defer sess.Close()

			folders, err := sess.ListFolders()
			if err != nil {
				return err
			}
			for _, folder := range folders {
				envs, err := sess.ListUnread(folder)
				if err != nil {
					a.log.Warnw("skipping folder", "folder", folder, "error", err)
					continue
				}
				if len(envs) == 0 {
					continue
				}
				fmt.Printf("%s (%d unread)\n", folder, len(envs))
				for i, env := range envs {
					if limit > 0 && i >= limit {
						fmt.Printf("  ... and %d more\n", len(envs)-limit)
						break
					}
					fmt.Printf("  [%d] %s: %s\n", env.UID, env.From, env.Subject)
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 10, "max messages listed per folder")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(*cobra.Command, []string) {
			fmt.Println("mailbot", version.String())
		},
	}
}
