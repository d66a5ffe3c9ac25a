package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/kalambet/tasuke/internal/api"
	"github.com/kalambet/tasuke/internal/config"
	"github.com/kalambet/tasuke/internal/debounce"
	"github.com/kalambet/tasuke/internal/events"
	"github.com/kalambet/tasuke/internal/ingest"
	"github.com/kalambet/tasuke/internal/policy"
	"github.com/kalambet/tasuke/internal/proxy"
	"github.com/kalambet/tasuke/internal/runstate"
	"github.com/kalambet/tasuke/internal/sources"
	"github.com/kalambet/tasuke/internal/storage"
)

// appRuntime is the wired ingestion pipeline shared by `start` and `mcp`.
type appRuntime struct {
	cfg     config.Config
	store   *storage.Store
	hub     *events.Hub
	tracker *runstate.Tracker
	runner  *ingest.Runner
	sched   *ingest.Scheduler
	window  *debounce.Window
	slack   *sources.Slack
}

func buildPolicy(cfg config.Config, notes policy.NoteReader) (policy.Policy, error) {
	rules := policy.Rules{MinContentLength: cfg.Ingest.MinContentLength}
	if cfg.Ingest.Policy != config.PolicyOracle {
		return rules, nil
	}
	client := proxy.NewClientWithBaseURL(cfg.Proxy.OpenRouterAPIKey, cfg.Proxy.BaseURL)
	oracle, err := policy.NewOracle(client, notes, policy.OracleConfig{
		Model:       cfg.Proxy.Model,
		Temperature: cfg.Proxy.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return oracle, nil
}

func newAppRuntime(cfg config.Config) (*appRuntime, error) {
	store, err := storage.Open(cfg.Storage.Target())
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}

	p, err := buildPolicy(cfg, store)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("building %s policy: %w", cfg.Ingest.Policy, err)
	}

	hub := events.NewHub()
	tracker := runstate.NewTracker(store, hub)
	runner := ingest.NewRunner(store, store, tracker, p, ingest.RunnerConfig{
		OracleTimeout:     cfg.Ingest.OracleTimeout,
		StorageRetries:    cfg.Ingest.StorageRetries,
		RetryBackoff:      cfg.Ingest.RetryBackoff,
		FailOnOracleError: cfg.Ingest.FailOnOracleError,
	})
	sched := ingest.NewScheduler(tracker, store, runner.Agent())
	window := debounce.New(debounce.Config{
		QuietPeriod: cfg.Debounce.QuietPeriod,
		MaxBatch:    cfg.Debounce.MaxBatch,
		MaxWait:     cfg.Debounce.MaxWait,
	}, sched.Flush)

	rt := &appRuntime{
		cfg:     cfg,
		store:   store,
		hub:     hub,
		tracker: tracker,
		runner:  runner,
		sched:   sched,
		window:  window,
	}

	if cfg.Slack.Enabled {
		rt.slack, err = sources.NewSlack(sources.SlackConfig{
			BotToken: cfg.Slack.BotToken,
			AppToken: cfg.Slack.AppToken,
			Channels: cfg.Slack.Channels,
		}, window)
		if err != nil {
			rt.Close()
			return nil, err
		}
	}

	slog.Info("ingestion pipeline ready",
		"storage", store.Dialect(),
		"agent", runner.Agent(),
		"quiet_period", cfg.Debounce.QuietPeriod,
		"max_batch", cfg.Debounce.MaxBatch,
		"max_wait", cfg.Debounce.MaxWait,
	)
	return rt, nil
}

func (rt *appRuntime) apiDeps() api.Deps {
	deps := api.Deps{
		Notes:      rt.store,
		Runs:       rt.tracker,
		Scheduler:  rt.sched,
		Exchanges:  rt.store,
		Input:      rt.runner,
		Sink:       rt.window,
		Events:     rt.hub,
		Token:      rt.cfg.Server.APIToken,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
	if rt.slack != nil {
		deps.Slack = rt.slack
	}
	return deps
}

// Close flushes buffered drafts into planning runs, then releases storage.
func (rt *appRuntime) Close() {
	rt.window.Close()
	rt.hub.Close()
	if err := rt.store.Close(); err != nil {
		slog.Warn("closing storage", "error", err)
	}
}

// sourceLoops builds the long-running source loops enabled in the config
// without starting them.
func (rt *appRuntime) sourceLoops() ([]func(context.Context) error, error) {
	var loops []func(context.Context) error
	if rt.slack != nil && rt.cfg.Slack.AppToken != "" {
		loops = append(loops, rt.slack.Listen)
	}
	if rt.cfg.Kafka.Enabled() {
		consumer, err := sources.NewKafka(sources.KafkaConfig{
			Brokers: rt.cfg.Kafka.Brokers,
			Topic:   rt.cfg.Kafka.Topic,
			GroupID: rt.cfg.Kafka.GroupID,
		}, rt.window)
		if err != nil {
			return nil, fmt.Errorf("kafka source: %w", err)
		}
		loops = append(loops, consumer.Run)
	}
	if rt.cfg.DropDir.Path != "" {
		loops = append(loops, sources.NewDropDir(rt.cfg.DropDir.Path, rt.window).Watch)
	}
	return loops, nil
}
