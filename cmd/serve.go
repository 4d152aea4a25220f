package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sales-pipeline/internal/aggregate"
	"github.com/sells-group/sales-pipeline/internal/etlrun"
	"github.com/sells-group/sales-pipeline/internal/matcher"
	"github.com/sells-group/sales-pipeline/internal/scoring"
	"github.com/sells-group/sales-pipeline/internal/store"
	"github.com/sells-group/sales-pipeline/pkg/llm"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the pipeline as a scheduled daemon with a status API",
	Long:  "Runs match and score batches on cron schedules and exposes an HTTP API for run history, latest scores, and on-demand job triggers.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("score"); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck
		if err := st.Migrate(ctx); err != nil {
			return err
		}

		provider, err := llm.New(llm.Options{
			Kind:         cfg.Provider.Kind,
			APIKey:       cfg.Anthropic.Key,
			Model:        cfg.Anthropic.Model,
			MockResponse: cfg.Provider.MockResponse,
		})
		if err != nil {
			return err
		}

		d := &daemon{
			store:   st,
			matcher: matcher.New(st, loadMatchRules(), cfg.Matcher.FuzzyThreshold, cfg.Matcher.DefaultRegion, retryPolicy()),
			engine: scoring.NewEngine(st, aggregate.New(st, cfg.Scoring), provider,
				cfg.Scoring, cfg.Anthropic.MaxTokens, retryPolicy()),
			tracker: etlrun.NewTracker(st),
			log:     zap.L().With(zap.String("component", "serve")),
		}

		sched := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		if expr := cfg.Schedule.Match; expr != "" {
			if _, err := sched.AddFunc(expr, func() { d.runMatch(ctx, uuid.NewString()) }); err != nil {
				return eris.Wrapf(err, "schedule match %q", expr)
			}
		}
		if expr := cfg.Schedule.Score; expr != "" {
			if _, err := sched.AddFunc(expr, func() { d.runScore(ctx, uuid.NewString()) }); err != nil {
				return eris.Wrapf(err, "schedule score %q", expr)
			}
		}
		sched.Start()
		defer sched.Stop()

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}
		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: d.routes(),
		}

		go func() {
			<-ctx.Done()
			d.log.Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		d.log.Info("starting server",
			zap.Int("port", port),
			zap.String("match_schedule", cfg.Schedule.Match),
			zap.String("score_schedule", cfg.Schedule.Score))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return eris.Wrap(err, "server listen")
		}
		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

type daemon struct {
	store   store.Store
	matcher *matcher.Matcher
	engine  *scoring.Engine
	tracker *etlrun.Tracker
	log     *zap.Logger
}

func (d *daemon) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
	}))

	r.Get("/healthz", d.handleHealth)
	r.Get("/runs", d.handleRuns)
	r.Get("/accounts/{id}/score", d.handleAccountScore)
	r.Get("/interactions/{id}/match", d.handleInteractionMatch)
	r.Post("/jobs/match", d.handleTriggerMatch)
	r.Post("/jobs/score", d.handleTriggerScore)
	return r
}

func (d *daemon) runMatch(ctx context.Context, jobID string) {
	log := d.log.With(zap.String("job_id", jobID))
	res, err := d.matcher.Run(ctx, d.tracker, matcher.RunOptions{Limit: cfg.Matcher.BatchLimit})
	if err != nil {
		log.Error("match batch failed", zap.Error(err))
		return
	}
	log.Info("match batch done",
		zap.String("status", string(res.Status)),
		zap.Int("processed", res.Processed))
}

func (d *daemon) runScore(ctx context.Context, jobID string) {
	log := d.log.With(zap.String("job_id", jobID))
	res, err := d.engine.Run(ctx, d.tracker, scoring.RunOptions{})
	if err != nil {
		log.Error("score batch failed", zap.Error(err))
		return
	}
	log.Info("score batch done",
		zap.String("status", string(res.Status)),
		zap.Int("scored", res.Scored))
}

func (d *daemon) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := d.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (d *daemon) handleRuns(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	runs, err := d.store.ListRuns(r.Context(), source, 50)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (d *daemon) handleAccountScore(w http.ResponseWriter, r *http.Request) {
	accountID := chi.URLParam(r, "id")
	snap, err := d.store.LatestScore(r.Context(), accountID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if snap == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no score for account"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (d *daemon) handleInteractionMatch(w http.ResponseWriter, r *http.Request) {
	interactionID := chi.URLParam(r, "id")
	m, err := d.store.GetMatch(r.Context(), interactionID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if m == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no match for interaction"})
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (d *daemon) handleTriggerMatch(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.NewString()
	go d.runMatch(context.WithoutCancel(r.Context()), jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job": "match", "job_id": jobID})
}

func (d *daemon) handleTriggerScore(w http.ResponseWriter, r *http.Request) {
	jobID := uuid.NewString()
	go d.runScore(context.WithoutCancel(r.Context()), jobID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job": "score", "job_id": jobID})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
