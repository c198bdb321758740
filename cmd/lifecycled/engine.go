package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	_ "modernc.org/sqlite"

	"github.com/rpaturu/cc-native-sub003/pkg/audit"
	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/connector"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/decision"
	"github.com/rpaturu/cc-native-sub003/pkg/detect"
	"github.com/rpaturu/cc-native-sub003/pkg/evidence"
	"github.com/rpaturu/cc-native-sub003/pkg/execution"
	"github.com/rpaturu/cc-native-sub003/pkg/heat"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
	"github.com/rpaturu/cc-native-sub003/pkg/observability"
	"github.com/rpaturu/cc-native-sub003/pkg/pull"
	"github.com/rpaturu/cc-native-sub003/pkg/ratelimit"
	sigsvc "github.com/rpaturu/cc-native-sub003/pkg/signal"
	"github.com/rpaturu/cc-native-sub003/pkg/suppress"
	"github.com/rpaturu/cc-native-sub003/pkg/synthesis"
)

// engine owns every subsystem and the event-bus wiring between them.
type engine struct {
	cfg        *config.Config
	clock      clock.Clock
	db         *sql.DB
	budgetDB   *sql.DB
	redisC     *redis.Client
	dispatcher *bus.Dispatcher
	obs        *observability.Provider

	sigStore   *sigsvc.SQLiteStore
	signals    *sigsvc.Service
	synth      *synthesis.Service
	heatStore  heat.StateStore
	scorer     *heat.Scorer
	pulls      *pull.Scheduler
	runtime    *connector.Runtime
	detectors  *detect.Registry
	decisions  *decision.Scheduler
	autonomy   *decision.Gate
	pipeline   *execution.Pipeline
	auditor    *audit.Worker
	connectors []connector.Connector
	tenants    []string
	logger     *slog.Logger
}

func newEngine(ctx context.Context, cfg *config.Config) (*engine, error) {
	clk := clock.Real{}
	e := &engine{
		cfg:        cfg,
		clock:      clk,
		dispatcher: bus.NewDispatcher(),
		tenants:    splitList(envOr("TENANTS", "default")),
		logger:     slog.Default().With("component", "lifecycled"),
	}

	db, err := sql.Open("sqlite", cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	e.db = db

	var publisher bus.Publisher = e.dispatcher
	if os.Getenv("REDIS_ADDR") != "" {
		e.redisC = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		publisher = teePublisher{e.dispatcher, bus.NewRedisPublisher(e.redisC, "lifecycle")}
	}

	led, err := ledger.NewSQLiteLedger(db, clk)
	if err != nil {
		return nil, err
	}

	var ev evidence.Store
	if os.Getenv("EVIDENCE_BUCKET") != "" {
		ev, err = evidence.NewS3Store(ctx, evidence.S3StoreConfig{
			Bucket:   cfg.EvidenceBucket,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
	} else {
		ev = evidence.NewMemoryStore()
	}

	e.detectors, err = detect.DefaultRegistry(ev, cfg.Profile.TTLFor)
	if err != nil {
		return nil, err
	}

	e.sigStore, err = sigsvc.NewSQLiteStore(db, clk)
	if err != nil {
		return nil, err
	}
	e.signals = sigsvc.NewService(e.sigStore, led, publisher, clk)
	suppressor := suppress.New(suppress.DefaultRules(), e.sigStore, e.sigStore, led, clk)
	e.signals.OnTransition(suppressor.OnTransition)

	postures, err := synthesis.NewSQLitePostureStore(db)
	if err != nil {
		return nil, err
	}
	synthEngine, err := synthesis.NewEngine(synthesis.NewCatalog(cfg.RulesetDir), e.sigStore, cfg.RulesetVersion)
	if err != nil {
		return nil, err
	}
	e.synth = synthesis.NewService(synthEngine, postures, led)

	e.heatStore, err = heat.NewSQLiteStateStore(db)
	if err != nil {
		return nil, err
	}
	e.scorer = heat.NewScorer(cfg.Profile, e.sigStore, postures, e.heatStore, clk)

	pullKeys, err := pull.NewSQLiteIdempotencyStore(db, clk)
	if err != nil {
		return nil, err
	}
	var budget pull.BudgetStore
	if pgURL := os.Getenv("DATABASE_URL"); pgURL != "" {
		pg, err := sql.Open("postgres", pgURL)
		if err != nil {
			return nil, fmt.Errorf("open budget database: %w", err)
		}
		e.budgetDB = pg
		budget = pull.NewPostgresBudgetStore(pg, cfg.Profile.PullBudget)
	} else {
		budget, err = pull.NewSQLiteBudgetStore(db, cfg.Profile.PullBudget)
		if err != nil {
			return nil, err
		}
	}
	e.pulls = pull.NewScheduler(e.gate(ratelimit.Policy{RPM: 120, Burst: 20}, "pull", clk),
		pullKeys, budget, cfg.Profile, clk)

	syncStore, err := connector.NewSQLiteSyncStateStore(db, clk)
	if err != nil {
		return nil, err
	}
	e.runtime = connector.NewRuntime(ev, syncStore, publisher)
	for _, spec := range splitList(os.Getenv("CONNECTOR_FEEDS")) {
		id, baseURL, ok := strings.Cut(spec, "=")
		if !ok {
			return nil, fmt.Errorf("malformed CONNECTOR_FEEDS entry %q", spec)
		}
		e.connectors = append(e.connectors, connector.NewHTTPConnector(id, baseURL, 60, 10))
	}

	decKeys, err := decision.NewSQLiteIdempotencyStore(db, clk)
	if err != nil {
		return nil, err
	}
	runStates, err := decision.NewSQLiteRunStateStore(db, cfg.Profile.Decision, clk)
	if err != nil {
		return nil, err
	}
	e.decisions = decision.NewScheduler(
		e.gate(ratelimit.Policy{RPM: cfg.Profile.Decision.RPM, Burst: cfg.Profile.Decision.Burst}, "decision", clk),
		decKeys, runStates, cfg.Profile.Decision, publisher, clk)
	e.decisions.OnAdmit(e.runDecision)

	intents, err := decision.NewSQLiteIntentStore(db, clk)
	if err != nil {
		return nil, err
	}
	approvals, err := decision.NewSQLiteAutoApprovalStore(db, cfg.Profile.Autonomy.MaxAutoApprovalsPerDay)
	if err != nil {
		return nil, err
	}
	e.autonomy = decision.NewGate(intents, approvals, cfg.Profile.Autonomy, led, publisher, clk)

	execStore, err := execution.NewSQLiteExecutionStore(db, clk)
	if err != nil {
		return nil, err
	}
	gateway := execution.NewHTTPGateway(envOr("TOOL_GATEWAY_URL", "http://localhost:9090"), nil)
	creds := execution.StaticCredentials(os.Getenv("TOOL_GATEWAY_TOKEN"))
	var artifacts execution.ArtifactStore
	if os.Getenv("EVIDENCE_BUCKET") != "" {
		artifacts, err = execution.NewS3ArtifactStore(ctx, execution.S3ArtifactConfig{
			Bucket:   cfg.EvidenceBucket,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
	} else {
		artifacts = execution.NewMemoryArtifactStore()
	}
	e.pipeline, err = execution.NewPipeline(execution.PipelineDeps{
		Intents:   intents,
		Attempts:  execStore,
		Outcomes:  execStore,
		Dedupe:    execStore,
		Comps:     execStore,
		Registry:  execution.DefaultRegistry(),
		Invoker:   execution.NewInvoker(gateway, creds, cfg.Profile.Retry),
		Gateway:   gateway,
		Creds:     creds,
		Artifacts: artifacts,
		Emitter:   execution.NewEmitter(e.signals, cfg.Profile),
		Ledger:    led,
		Autonomy:  cfg.Profile.Autonomy,
		Profile:   cfg.Profile,
		Clock:     clk,
	})
	if err != nil {
		return nil, err
	}

	exports, err := audit.NewSQLiteExportStore(db, clk)
	if err != nil {
		return nil, err
	}
	var objects audit.ObjectWriter
	if os.Getenv("EVIDENCE_BUCKET") != "" {
		objects, err = audit.NewS3ObjectWriter(ctx, audit.S3ObjectWriterConfig{
			Bucket:   envOr("AUDIT_BUCKET", cfg.EvidenceBucket),
			Region:   cfg.AWSRegion,
			Endpoint: cfg.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
	} else {
		objects = audit.NewMemoryObjectWriter()
	}
	e.auditor = audit.NewWorker(led, exports, objects, clk)

	ocfg := observability.DefaultConfig()
	if ep := os.Getenv("OTLP_ENDPOINT"); ep != "" {
		ocfg.OTLPEndpoint = ep
	} else {
		ocfg.Enabled = false
	}
	e.obs, err = observability.New(ctx, ocfg)
	if err != nil {
		return nil, err
	}

	e.subscribe()
	return e, nil
}

func (e *engine) gate(policy ratelimit.Policy, prefix string, clk clock.Clock) ratelimit.Gate {
	if e.redisC != nil {
		return ratelimit.NewRedisGate(e.redisC, policy, prefix, clk)
	}
	return ratelimit.NewLocalGate(policy)
}

func (e *engine) subscribe() {
	e.dispatcher.Subscribe(bus.KindSignalCreated, e.instrument("handle.signal", e.onSignalEvent))
	e.dispatcher.Subscribe(bus.KindSignalDetected, e.instrument("handle.signal", e.onSignalEvent))
	e.dispatcher.Subscribe(bus.KindLifecycleStateChanged, e.instrument("handle.lifecycle_changed", e.onLifecycleChanged))
	e.dispatcher.Subscribe(bus.KindRunDecision, e.instrument("handle.run_decision", e.decisions.Handle))
	e.dispatcher.Subscribe(bus.KindRunDecisionDeferred, e.instrument("handle.run_decision_deferred", e.onDecisionDeferred))
	e.dispatcher.Subscribe(bus.KindActionApproved, e.instrument("handle.action_approved", e.pipeline.Handle))
	e.dispatcher.Subscribe(bus.KindAuditExportRequested, e.instrument("handle.audit_export", e.auditor.Handle))
}

func (e *engine) instrument(name string, h bus.Handler) bus.Handler {
	return func(ctx context.Context, ev bus.Event) error {
		ctx, done := e.obs.TrackOperation(ctx, name, attribute.String("event.kind", string(ev.Kind)))
		err := h(ctx, ev)
		done(err)
		return err
	}
}

// onSignalEvent recomputes heat for the signal's account and queues a
// decision run correlated on the signal's trace.
func (e *engine) onSignalEvent(ctx context.Context, ev bus.Event) error {
	tenantID, _ := ev.Detail["tenant_id"].(string)
	accountID, _ := ev.Detail["account_id"].(string)
	if tenantID == "" || accountID == "" {
		return nil
	}
	if _, err := e.scorer.Compute(ctx, tenantID, accountID); err != nil {
		return err
	}
	return e.queueDecision(ctx, ev, tenantID, accountID)
}

func (e *engine) onLifecycleChanged(ctx context.Context, ev bus.Event) error {
	tenantID, _ := ev.Detail["tenant_id"].(string)
	accountID, _ := ev.Detail["account_id"].(string)
	if tenantID == "" || accountID == "" {
		return nil
	}
	return e.queueDecision(ctx, ev, tenantID, accountID)
}

func (e *engine) queueDecision(ctx context.Context, ev bus.Event, tenantID, accountID string) error {
	correlation, _ := ev.Detail["trace_id"].(string)
	if correlation == "" {
		correlation, _ = ev.Detail["signal_id"].(string)
	}
	if correlation == "" {
		correlation = uuid.NewString()
	}
	return e.dispatcher.Publish(ctx, bus.Event{
		Kind: bus.KindRunDecision,
		Detail: map[string]any{
			"tenant_id":      tenantID,
			"account_id":     accountID,
			"correlation_id": correlation,
		},
	})
}

// runDecision is the admitted-run evaluator: refresh posture, then heat,
// from the account's current active-signal set.
func (e *engine) runDecision(ctx context.Context, run contracts.DecisionRun) error {
	if _, err := e.synth.Evaluate(ctx, run.TenantID, run.AccountID, run.ScheduledAt); err != nil {
		return err
	}
	_, err := e.scorer.Compute(ctx, run.TenantID, run.AccountID)
	return err
}

// onDecisionDeferred re-queues a deferred run once its not_before has
// passed. The dispatcher is synchronous, so the delay lives here.
func (e *engine) onDecisionDeferred(_ context.Context, ev bus.Event) error {
	raw, _ := ev.Detail["not_before"].(string)
	notBefore, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		notBefore = e.clock.Now()
	}
	detail := map[string]any{
		"tenant_id":      ev.Detail["tenant_id"],
		"account_id":     ev.Detail["account_id"],
		"correlation_id": ev.Detail["correlation_id"],
	}
	delay := notBefore.Sub(e.clock.Now())
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		if err := e.dispatcher.Publish(context.Background(), bus.Event{Kind: bus.KindRunDecision, Detail: detail}); err != nil {
			e.logger.Error("deferred decision redelivery failed", "error", err)
		}
	})
	return nil
}

// Start launches the health endpoint and the per-tier poll loops.
func (e *engine) Start(ctx context.Context) {
	go e.serveHealth(ctx)
	e.seedAccounts(ctx)
	for _, tenantID := range e.tenants {
		for tier, policy := range e.cfg.Profile.TierPolicy {
			go e.pollLoop(ctx, tenantID, tier, policy)
		}
	}
}

// seedAccounts places configured accounts into the heat model so the tier
// loops pick them up before their first signal.
func (e *engine) seedAccounts(ctx context.Context) {
	for _, tenantID := range e.tenants {
		for _, accountID := range splitList(os.Getenv("ACCOUNT_IDS")) {
			if _, err := e.scorer.Compute(ctx, tenantID, accountID); err != nil {
				e.logger.Warn("seed heat compute failed",
					"tenant_id", tenantID, "account_id", accountID, "error", err)
			}
		}
	}
}

func (e *engine) pollLoop(ctx context.Context, tenantID string, tier contracts.HeatTier, policy config.TierPolicy) {
	ticker := time.NewTicker(policy.Cadence)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		e.pollTier(ctx, tenantID, tier, policy)
	}
}

func (e *engine) pollTier(ctx context.Context, tenantID string, tier contracts.HeatTier, policy config.TierPolicy) {
	states, err := e.heatStore.Tier(ctx, tenantID, tier)
	if err != nil {
		e.logger.ErrorContext(ctx, "tier listing failed", "tier", tier, "error", err)
		return
	}
	for _, state := range states {
		for _, c := range e.connectors {
			res, err := e.pulls.Schedule(ctx, pull.Request{
				TenantID:    tenantID,
				AccountID:   state.AccountID,
				ConnectorID: c.ID(),
				Depth:       policy.DefaultDepth,
				Cadence:     policy.Cadence,
			})
			if err != nil {
				e.logger.ErrorContext(ctx, "pull scheduling failed",
					"account_id", state.AccountID, "connector_id", c.ID(), "error", err)
				continue
			}
			if !res.Scheduled {
				continue
			}
			refs, err := e.runtime.RunPoll(ctx, c, *res.Job)
			if err != nil {
				continue
			}
			e.detectAndIngest(ctx, tenantID, state.AccountID, refs)
		}
	}
}

func (e *engine) detectAndIngest(ctx context.Context, tenantID, accountID string, refs []contracts.EvidenceRef) {
	prior, err := e.sigStore.GetAccountState(ctx, tenantID, accountID)
	if err != nil {
		e.logger.ErrorContext(ctx, "load account state failed", "account_id", accountID, "error", err)
		return
	}
	for _, ref := range refs {
		for _, d := range e.detectors.All() {
			signals, err := d.Detect(ctx, ref, &prior)
			if err != nil {
				e.logger.ErrorContext(ctx, "detector failed",
					"detector", d.Name(), "account_id", accountID, "error", err)
				continue
			}
			for _, sig := range signals {
				if _, err := e.signals.Ingest(ctx, sig); err != nil {
					e.logger.ErrorContext(ctx, "signal ingest failed",
						"signal_id", sig.SignalID, "error", err)
				}
			}
		}
	}
}

func (e *engine) serveHealth(ctx context.Context) {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	srv := &http.Server{Addr: envOr("HEALTH_ADDR", ":8081"), Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		e.logger.Error("health server failed", "error", err)
	}
}

func (e *engine) Close(ctx context.Context) {
	if e.obs != nil {
		_ = e.obs.Shutdown(ctx)
	}
	if e.redisC != nil {
		_ = e.redisC.Close()
	}
	if e.budgetDB != nil {
		_ = e.budgetDB.Close()
	}
	if e.db != nil {
		_ = e.db.Close()
	}
}

// teePublisher delivers locally and mirrors to the external stream.
type teePublisher struct {
	local  bus.Publisher
	mirror bus.Publisher
}

func (t teePublisher) Publish(ctx context.Context, ev bus.Event) error {
	if err := t.mirror.Publish(ctx, ev); err != nil {
		slog.Default().ErrorContext(ctx, "event mirror publish failed",
			"kind", string(ev.Kind), "error", err)
	}
	return t.local.Publish(ctx, ev)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
