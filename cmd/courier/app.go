package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	_ "modernc.org/sqlite"

	"github.com/fieldline/courier/internal/agent"
	"github.com/fieldline/courier/internal/agent/engines"
	"github.com/fieldline/courier/internal/config"
	"github.com/fieldline/courier/internal/conversation"
	"github.com/fieldline/courier/internal/draft"
	"github.com/fieldline/courier/internal/files"
	"github.com/fieldline/courier/internal/index"
	"github.com/fieldline/courier/internal/mail"
	"github.com/fieldline/courier/internal/observability"
	"github.com/fieldline/courier/internal/schedule"
	"github.com/fieldline/courier/internal/tools/compose"
	"github.com/fieldline/courier/internal/tools/deliver"
	"github.com/fieldline/courier/internal/tools/digest"
	"github.com/fieldline/courier/internal/tools/mailbox"
	"github.com/fieldline/courier/internal/tools/recall"
	"github.com/fieldline/courier/pkg/models"
)

// app holds the wired components shared by the serve, daemon, and chat
// commands.
type app struct {
	cfg     *config.Config
	logger  *observability.Logger
	metrics *observability.Metrics

	engine        agent.ReasoningEngine
	provider      mail.Provider
	conversations conversation.Store
	drafts        draft.Cache
	scheduled     schedule.Store
	fileStore     files.Store
	registry      *agent.Registry
	loop          *agent.Loop

	db *sql.DB
}

// newApp assembles the application from config.
func newApp(ctx context.Context, withMetrics bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg: cfg,
		logger: observability.NewLogger(observability.LogConfig{
			Level:  cfg.Log.Level,
			Format: cfg.Log.Format,
		}),
	}
	if withMetrics {
		a.metrics = observability.NewMetrics(prometheus.DefaultRegisterer)
	}

	if err := a.buildStorage(); err != nil {
		return nil, err
	}
	if err := a.buildProvider(ctx); err != nil {
		return nil, err
	}
	if err := a.buildEngine(); err != nil {
		return nil, err
	}
	if err := a.buildFiles(ctx); err != nil {
		return nil, err
	}
	if err := a.buildRegistry(); err != nil {
		return nil, err
	}

	a.loop = agent.NewLoop(a.engine, a.registry, a.conversations, agent.LoopConfig{
		MaxIterations: cfg.Loop.MaxIterations,
		HistoryLimit:  cfg.Loop.HistoryLimit,
		SystemPrompt:  systemPrompt(cfg),
	},
		agent.WithLogger(a.logger.Slog()),
		agent.WithMetrics(a.metrics),
	)
	return a, nil
}

func (a *app) close() {
	if a.db != nil {
		a.db.Close()
	}
}

func (a *app) buildStorage() error {
	switch a.cfg.Storage.Backend {
	case "memory":
		a.conversations = conversation.NewMemoryStore()
		a.drafts = draft.NewMemoryCache()
		a.scheduled = schedule.NewMemoryStore()
		return nil
	case "sqlite":
		db, err := sql.Open("sqlite", a.cfg.Storage.Path)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", a.cfg.Storage.Path, err)
		}
		db.SetMaxOpenConns(1)
		a.db = db

		if a.conversations, err = conversation.NewSQLiteStore(db); err != nil {
			return err
		}
		if a.drafts, err = draft.NewSQLiteCache(db); err != nil {
			return err
		}
		if a.scheduled, err = schedule.NewSQLiteStore(db); err != nil {
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}
}

func (a *app) buildProvider(ctx context.Context) error {
	switch a.cfg.Mail.Provider {
	case "fake":
		fake := mail.NewFake()
		fake.Seed("alice@example.com", "Welcome to courier", "This mailbox is running against the fake provider.", time.Now().Add(-time.Hour), true)
		a.provider = fake
		return nil
	case "gmail":
		g := a.cfg.Mail.Gmail
		oauthCfg := &oauth2.Config{
			ClientID:     g.ClientID,
			ClientSecret: g.ClientSecret,
			Endpoint:     google.Endpoint,
			Scopes:       []string{"https://www.googleapis.com/auth/gmail.modify"},
		}
		token := &oauth2.Token{RefreshToken: g.RefreshToken}
		a.provider = mail.NewGmailFromToken(ctx, oauthCfg, token)
		return nil
	default:
		return fmt.Errorf("unknown mail provider %q", a.cfg.Mail.Provider)
	}
}

func (a *app) buildEngine() error {
	switch a.cfg.Engine.Provider {
	case "anthropic":
		engine, err := engines.NewAnthropicEngine(engines.AnthropicConfig{
			APIKey:    a.cfg.Engine.APIKey,
			Model:     a.cfg.Engine.Model,
			MaxTokens: a.cfg.Engine.MaxTokens,
		})
		if err != nil {
			return err
		}
		a.engine = engine
	case "openai":
		engine, err := engines.NewOpenAIEngine(engines.OpenAIConfig{
			APIKey: a.cfg.Engine.APIKey,
			Model:  a.cfg.Engine.Model,
		})
		if err != nil {
			return err
		}
		a.engine = engine
	case "scripted":
		a.engine = engines.NewScripted()
	default:
		return fmt.Errorf("unknown engine provider %q", a.cfg.Engine.Provider)
	}
	return nil
}

func (a *app) buildFiles(ctx context.Context) error {
	switch a.cfg.Files.Backend {
	case "local":
		store, err := files.NewLocalStore(a.cfg.Files.LocalRoot)
		if err != nil {
			return err
		}
		a.fileStore = store
		return nil
	case "s3":
		opts := []func(*awsconfig.LoadOptions) error{}
		if a.cfg.Files.S3.Region != "" {
			opts = append(opts, awsconfig.WithRegion(a.cfg.Files.S3.Region))
		}
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return fmt.Errorf("load aws config: %w", err)
		}
		a.fileStore = files.NewS3Store(s3.NewFromConfig(awsCfg), a.cfg.Files.S3.Bucket, a.cfg.Files.S3.Prefix)
		return nil
	default:
		return fmt.Errorf("unknown files backend %q", a.cfg.Files.Backend)
	}
}

func (a *app) buildRegistry() error {
	a.registry = agent.NewRegistry(
		agent.WithRegistryLogger(a.logger.Slog()),
		agent.WithRegistryMetrics(a.metrics),
	)

	sendTool := &compose.SendEmail{Cache: a.drafts, Provider: a.provider, Files: a.fileStore, Metrics: a.metrics}
	handlers := []agent.Handler{
		&mailbox.GetEmails{Provider: a.provider},
		&mailbox.SearchEmails{Provider: a.provider},
		&mailbox.GetThread{Provider: a.provider},
		&mailbox.MarkRead{Provider: a.provider},
		&mailbox.Archive{Provider: a.provider},
		&compose.DraftEmail{Cache: a.drafts},
		&compose.DiscardDraft{Cache: a.drafts},
		sendTool,
		&compose.ScheduleSend{Cache: a.drafts, Store: a.scheduled, Send: sendTool, Metrics: a.metrics},
		&digest.InboxDigest{Provider: a.provider, Engine: a.engine},
		&digest.ScheduleDigest{Store: a.scheduled, SelfAddress: a.cfg.Mail.SelfAddress},
		&deliver.ListScheduled{Store: a.scheduled},
		&deliver.CancelScheduled{Store: a.scheduled},
	}
	if a.cfg.Index.Enabled {
		idx, err := a.buildIndex()
		if err != nil {
			return err
		}
		handlers = append(handlers,
			&recall.IndexEmails{Provider: a.provider, Index: idx},
			&recall.RecallEmails{Index: idx},
		)
	}

	for _, h := range handlers {
		if err := a.registry.Register(h); err != nil {
			return fmt.Errorf("register %s: %w", h.Name(), err)
		}
	}
	return nil
}

func (a *app) buildIndex() (index.Index, error) {
	if a.db == nil {
		return nil, fmt.Errorf("the semantic index requires the sqlite storage backend")
	}
	embedder := index.NewOpenAIEmbedder(openai.NewClient(a.cfg.Index.APIKey), a.cfg.Index.Model)
	return index.NewSQLiteIndex(a.db, embedder)
}

// buildDaemon wires the delivery daemon with its executors and failure
// reporter.
func (a *app) buildDaemon() *schedule.Daemon {
	daemon := schedule.NewDaemon(a.scheduled, schedule.DaemonConfig{
		WorkerID:       a.cfg.Scheduler.WorkerID,
		PollInterval:   a.cfg.Scheduler.PollInterval,
		LeaseDuration:  a.cfg.Scheduler.LeaseDuration,
		MaxAttempts:    a.cfg.Scheduler.MaxAttempts,
		MaxConcurrency: a.cfg.Scheduler.MaxConcurrency,
	},
		schedule.WithDaemonLogger(a.logger.Slog()),
		schedule.WithDaemonMetrics(a.metrics),
		schedule.WithFailureReporter(a.reportFailure),
	)

	daemon.RegisterExecutor(schedule.KindSendEmail, &deliver.SendExecutor{Provider: a.provider, Files: a.fileStore})
	daemon.RegisterExecutor(schedule.KindDigest, &deliver.DigestExecutor{
		Provider: a.provider,
		Compose: func(ctx context.Context, summaries []mail.Summary) (string, error) {
			return digest.Compose(ctx, a.engine, summaries)
		},
	})
	return daemon
}

// reportFailure surfaces an exhausted delivery back into the scheduling
// conversation's transcript so the next turn can explain it.
func (a *app) reportFailure(ctx context.Context, action *schedule.Action, lastErr error) {
	if action.ConversationID == "" {
		return
	}
	msg := models.Message{
		ID:             uuid.NewString(),
		ConversationID: action.ConversationID,
		Role:           models.RoleAssistant,
		Content: fmt.Sprintf("A scheduled %s (id %s) could not be delivered after %d attempts: %v",
			action.Kind, action.ID, action.Attempts, lastErr),
		CreatedAt: time.Now().UTC(),
	}
	if err := a.conversations.Append(ctx, msg); err != nil {
		a.logger.Slog().Error("could not report delivery failure",
			"conversation_id", action.ConversationID, "error", err)
	}
}

func systemPrompt(cfg *config.Config) string {
	if cfg.Loop.SystemPrompt != "" {
		return cfg.Loop.SystemPrompt
	}
	return "You are Courier, an email assistant. You can read, search, and summarize the " +
		"user's mailbox, stage email drafts, and schedule sends and digests. Never claim an " +
		"email was sent unless the send_reviewed_email tool reported success. Always stage a draft " +
		"with draft_email and wait for the user's explicit approval before calling send_reviewed_email."
}
