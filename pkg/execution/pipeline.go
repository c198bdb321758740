package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/rpaturu/cc-native-sub003/pkg/bus"
	"github.com/rpaturu/cc-native-sub003/pkg/canon"
	"github.com/rpaturu/cc-native-sub003/pkg/clock"
	"github.com/rpaturu/cc-native-sub003/pkg/config"
	"github.com/rpaturu/cc-native-sub003/pkg/contracts"
	"github.com/rpaturu/cc-native-sub003/pkg/decision"
	"github.com/rpaturu/cc-native-sub003/pkg/ledger"
	"github.com/rpaturu/cc-native-sub003/pkg/taxonomy"
)

// maxInlineOutput bounds the tool output kept inline in the outcome; larger
// bodies are offloaded to the artifact store and replaced with a ref.
const maxInlineOutput = 4096

// Pipeline executes one approved intent through the staged state machine:
//
//	START_EXECUTION -> VALIDATE_PREFLIGHT -> MAP_ACTION_TO_TOOL ->
//	INVOKE_TOOL -> CheckCompensation -> [COMPENSATE_ACTION] ->
//	RECORD_OUTCOME | RECORD_FAILURE
//
// Any stage failure routes to RECORD_FAILURE; an INVOKE_TOOL failure that
// left external writes behind routes through COMPENSATE_ACTION first when
// the registry declares an automatic strategy.
type Pipeline struct {
	intents   decision.IntentStore
	attempts  AttemptStore
	outcomes  OutcomeStore
	dedupe    DedupeStore
	comps     CompensationStore
	registry  *Registry
	invoker   *Invoker
	gateway   Gateway
	creds     CredentialSource
	artifacts ArtifactStore
	emitter   *Emitter
	ledger    ledger.Ledger
	autonomy  config.AutonomyPolicy
	profile   config.Profile
	clock     clock.Clock
	logger    *slog.Logger
}

type PipelineDeps struct {
	Intents   decision.IntentStore
	Attempts  AttemptStore
	Outcomes  OutcomeStore
	Dedupe    DedupeStore
	Comps     CompensationStore
	Registry  *Registry
	Invoker   *Invoker
	Gateway   Gateway
	Creds     CredentialSource
	Artifacts ArtifactStore
	Emitter   *Emitter
	Ledger    ledger.Ledger
	Autonomy  config.AutonomyPolicy
	Profile   config.Profile
	Clock     clock.Clock
}

func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	if deps.Intents == nil || deps.Attempts == nil || deps.Outcomes == nil ||
		deps.Dedupe == nil || deps.Comps == nil || deps.Registry == nil ||
		deps.Invoker == nil || deps.Gateway == nil || deps.Creds == nil ||
		deps.Artifacts == nil || deps.Emitter == nil || deps.Ledger == nil ||
		deps.Clock == nil {
		return nil, taxonomy.New(taxonomy.CodeConfig, "execution pipeline missing dependencies")
	}
	return &Pipeline{
		intents:   deps.Intents,
		attempts:  deps.Attempts,
		outcomes:  deps.Outcomes,
		dedupe:    deps.Dedupe,
		comps:     deps.Comps,
		registry:  deps.Registry,
		invoker:   deps.Invoker,
		gateway:   deps.Gateway,
		creds:     deps.Creds,
		artifacts: deps.Artifacts,
		emitter:   deps.Emitter,
		ledger:    deps.Ledger,
		autonomy:  deps.Autonomy,
		profile:   deps.Profile,
		clock:     deps.Clock,
		logger:    slog.Default().With("component", "execution-pipeline"),
	}, nil
}

// IdempotencyKey derives the external-write dedupe key for one attempt.
func IdempotencyKey(actionIntentID string, attemptCount int) (string, error) {
	return canon.HashStrings([]string{actionIntentID, strconv.Itoa(attemptCount)})
}

// OutcomeID derives the deterministic outcome id for one attempt.
func OutcomeID(actionIntentID string, attemptCount int) (string, error) {
	h, err := canon.HashStrings([]string{"outcome", actionIntentID, strconv.Itoa(attemptCount)})
	if err != nil {
		return "", err
	}
	return "out-" + h[:32], nil
}

// Handle consumes ACTION_APPROVED events.
func (p *Pipeline) Handle(ctx context.Context, e bus.Event) error {
	if e.Kind != bus.KindActionApproved {
		return nil
	}
	data, _ := e.Detail["data"].(map[string]any)
	tenantID, _ := data["tenant_id"].(string)
	actionIntentID, _ := data["action_intent_id"].(string)
	if tenantID == "" || actionIntentID == "" {
		return taxonomy.New(taxonomy.CodeValidation, "ACTION_APPROVED event missing identity fields")
	}
	_, err := p.Execute(ctx, tenantID, actionIntentID)
	return err
}

// Execute runs the state machine for one intent. A nil outcome with a nil
// error means the attempt lock was held elsewhere and this invocation
// aborted without side effects.
func (p *Pipeline) Execute(ctx context.Context, tenantID, actionIntentID string) (*contracts.ActionOutcome, error) {
	startedAt := p.clock.Now()

	// START_EXECUTION
	locked, err := p.attempts.Lock(ctx, tenantID, actionIntentID, p.profile.StateMachineTimeout)
	if err != nil {
		return nil, err
	}
	if !locked {
		p.logger.InfoContext(ctx, "attempt lock held, aborting",
			"action_intent_id", actionIntentID)
		return nil, nil
	}

	ctx, cancel := context.WithDeadline(ctx, startedAt.Add(p.profile.StateMachineTimeout))
	defer cancel()

	// VALIDATE_PREFLIGHT
	intent, mapping, validation, err := p.preflight(ctx, tenantID, actionIntentID)
	if err != nil {
		fallback := contracts.ActionIntent{
			ActionIntentID: actionIntentID, TenantID: tenantID, AccountID: intent.AccountID,
		}
		if intent.ActionIntentID != "" {
			fallback = intent
		}
		return p.recordFailure(ctx, fallback, startedAt, 0, nil, validation, err)
	}

	// MAP_ACTION_TO_TOOL
	params := mergeParams(mapping.ParamTemplate, intent.Parameters)

	attempt, err := p.attempts.Get(ctx, tenantID, actionIntentID)
	if err != nil {
		return p.recordFailure(ctx, intent, startedAt, 0, nil, validation, err)
	}
	attemptCount := 0
	if attempt != nil {
		attemptCount = attempt.AttemptCount
	}
	idemKey, err := IdempotencyKey(actionIntentID, attemptCount)
	if err != nil {
		return p.recordFailure(ctx, intent, startedAt, attemptCount, nil, validation, err)
	}

	// INVOKE_TOOL. A prior successful write under the same key returns the
	// cached response instead of re-invoking.
	resp, tries, invokeErr := p.invokeOnce(ctx, intent, mapping, params, idemKey)
	totalAttempts := attemptCount + tries

	if invokeErr != nil {
		return p.recordFailure(ctx, intent, startedAt, totalAttempts, nil, validation, invokeErr)
	}

	state := map[string]any{"validation_result": validation}
	output, err := p.offloadOutput(ctx, intent, resp)
	if err != nil {
		return p.recordFailure(ctx, intent, startedAt, totalAttempts, resp.ExternalObjectRefs, validation, err)
	}
	state["tool_invocation_response"] = output

	outcomeID, err := OutcomeID(actionIntentID, attemptCount)
	if err != nil {
		return p.recordFailure(ctx, intent, startedAt, totalAttempts, resp.ExternalObjectRefs, validation, err)
	}

	// CheckCompensation
	compStatus := contracts.CompensationNone
	if !resp.Success && len(resp.ExternalObjectRefs) > 0 &&
		mapping.CompensationStrategy == contracts.CompensationAutomatic {
		compStatus = p.compensate(ctx, intent, mapping, outcomeID, resp.ExternalObjectRefs)
	}

	status := contracts.OutcomeFailed
	if resp.Success {
		status = contracts.OutcomeSucceeded
	}
	outcome := contracts.ActionOutcome{
		OutcomeID:          outcomeID,
		ActionIntentID:     actionIntentID,
		TenantID:           tenantID,
		AccountID:          intent.AccountID,
		Status:             status,
		ExternalObjectRefs: resp.ExternalObjectRefs,
		ToolRunRef:         resp.ToolRunRef,
		ErrorCode:          resp.ErrorCode,
		ErrorMessage:       resp.ErrorMessage,
		CompensationStatus: compStatus,
		StartedAt:          startedAt,
		CompletedAt:        p.clock.Now(),
	}

	// RECORD_OUTCOME / RECORD_FAILURE
	if err := p.record(ctx, intent, outcome, totalAttempts, state); err != nil {
		return &outcome, err
	}
	return &outcome, nil
}

// preflight loads the intent and checks the autonomy gate, approval state,
// and parameter schema. Its result map is carried forward under
// validation_result.
func (p *Pipeline) preflight(ctx context.Context, tenantID, actionIntentID string) (contracts.ActionIntent, ToolMapping, map[string]any, error) {
	validation := map[string]any{"checked_at": p.clock.Now().UTC().Format(time.RFC3339Nano)}

	intent, err := p.intents.Get(ctx, tenantID, actionIntentID)
	if err != nil {
		validation["intent"] = "missing"
		return contracts.ActionIntent{}, ToolMapping{}, validation, err
	}
	if intent.Status != contracts.IntentApproved {
		validation["approval_state"] = intent.Status
		return intent, ToolMapping{}, validation, taxonomy.New(taxonomy.CodeValidation,
			"intent %s is %s, not APPROVED", actionIntentID, intent.Status)
	}
	validation["approval_state"] = contracts.IntentApproved

	if p.autonomy.ModeFor(intent.ActionType) == contracts.AutonomyBlocked {
		validation["autonomy"] = "blocked"
		return intent, ToolMapping{}, validation, taxonomy.New(taxonomy.CodeValidation,
			"action type %s is blocked by autonomy policy", intent.ActionType)
	}
	validation["autonomy"] = string(p.autonomy.ModeFor(intent.ActionType))

	mapping, err := p.registry.Resolve(intent.ActionType, intent.ActionVersion)
	if err != nil {
		validation["mapping"] = "unresolved"
		return intent, ToolMapping{}, validation, err
	}
	if err := mapping.ValidateParams(mergeParams(mapping.ParamTemplate, intent.Parameters)); err != nil {
		validation["parameters"] = "schema violation"
		return intent, mapping, validation, err
	}
	validation["parameters"] = "valid"
	validation["tool"] = mapping.ToolName
	return intent, mapping, validation, nil
}

func (p *Pipeline) invokeOnce(ctx context.Context, intent contracts.ActionIntent,
	mapping ToolMapping, params map[string]any, idemKey string) (ToolResponse, int, error) {
	cached, err := p.dedupe.Lookup(ctx, intent.TenantID, idemKey)
	if err != nil {
		return ToolResponse{}, 0, err
	}
	if cached != nil && cached.Success {
		p.logger.InfoContext(ctx, "external write deduplicated",
			"action_intent_id", intent.ActionIntentID, "idempotency_key", idemKey)
		return *cached, 0, nil
	}

	req := ToolRequest{
		TenantID:       intent.TenantID,
		AccountID:      intent.AccountID,
		ActionIntentID: intent.ActionIntentID,
		Tool:           mapping.ToolName,
		SchemaVersion:  mapping.SchemaVersion,
		Parameters:     params,
		IdempotencyKey: idemKey,
	}
	resp, tries, err := p.invoker.Invoke(ctx, req)
	if err != nil {
		return ToolResponse{}, tries, err
	}
	if resp.Success {
		if err := p.dedupe.Record(ctx, intent.TenantID, idemKey, resp); err != nil {
			return resp, tries, err
		}
	}
	return resp, tries, nil
}

// offloadOutput keeps small tool outputs inline and replaces large ones with
// an artifact ref.
func (p *Pipeline) offloadOutput(ctx context.Context, intent contracts.ActionIntent, resp ToolResponse) (map[string]any, error) {
	if resp.Output == nil {
		return nil, nil
	}
	body, err := json.Marshal(resp.Output)
	if err != nil {
		return nil, fmt.Errorf("tool output: marshal: %w", err)
	}
	if len(body) <= maxInlineOutput {
		return resp.Output, nil
	}
	ref, err := p.artifacts.Put(ctx, intent.TenantID, intent.AccountID, intent.ActionIntentID,
		"tool_invocation_response.json", body)
	if err != nil {
		return nil, err
	}
	return map[string]any{"artifact_uri": ref.URI, "artifact_sha256": ref.SHA256}, nil
}

// compensate reverses external writes once per outcome.
func (p *Pipeline) compensate(ctx context.Context, intent contracts.ActionIntent,
	mapping ToolMapping, outcomeID string, refs []contracts.ExternalObjectRef) contracts.CompensationStatus {
	claimed, err := p.comps.Begin(ctx, intent.TenantID, outcomeID)
	if err != nil {
		p.logger.ErrorContext(ctx, "compensation claim failed",
			"outcome_id", outcomeID, "error", err)
		return contracts.CompensationFailed
	}
	if !claimed {
		// Compensation already ran for this outcome.
		return contracts.CompensationCompleted
	}

	creds, err := p.creds.Ephemeral(ctx, intent.TenantID, mapping.ToolName)
	if err == nil {
		err = p.gateway.Compensate(ctx, CompensationRequest{
			TenantID:  intent.TenantID,
			Tool:      mapping.ToolName,
			OutcomeID: outcomeID,
			Refs:      refs,
		}, creds)
	}
	status := contracts.CompensationCompleted
	if err != nil {
		status = contracts.CompensationFailed
		p.logger.ErrorContext(ctx, "compensation failed",
			"outcome_id", outcomeID, "error", err)
	}
	if finishErr := p.comps.Finish(ctx, intent.TenantID, outcomeID, status); finishErr != nil {
		p.logger.ErrorContext(ctx, "compensation finish failed",
			"outcome_id", outcomeID, "error", finishErr)
	}
	return status
}

func (p *Pipeline) recordFailure(ctx context.Context, intent contracts.ActionIntent,
	startedAt time.Time, attemptCount int, refs []contracts.ExternalObjectRef,
	validation map[string]any, cause error) (*contracts.ActionOutcome, error) {
	outcomeID, err := OutcomeID(intent.ActionIntentID, attemptCount)
	if err != nil {
		return nil, err
	}
	outcome := contracts.ActionOutcome{
		OutcomeID:          outcomeID,
		ActionIntentID:     intent.ActionIntentID,
		TenantID:           intent.TenantID,
		AccountID:          intent.AccountID,
		Status:             contracts.OutcomeFailed,
		ExternalObjectRefs: refs,
		ErrorCode:          string(taxonomy.Classify(cause)),
		ErrorMessage:       cause.Error(),
		CompensationStatus: contracts.CompensationNone,
		StartedAt:          startedAt,
		CompletedAt:        p.clock.Now(),
	}
	state := map[string]any{"validation_result": validation}
	if err := p.record(ctx, intent, outcome, attemptCount, state); err != nil {
		return &outcome, err
	}
	return &outcome, nil
}

// record performs the terminal writes: outcome row, attempt completion,
// intent transition, OUTCOME ledger entry, and the outcome signal.
func (p *Pipeline) record(ctx context.Context, intent contracts.ActionIntent,
	outcome contracts.ActionOutcome, attemptCount int, state map[string]any) error {
	if err := p.outcomes.Put(ctx, outcome.TenantID, outcome); err != nil {
		return err
	}
	if err := p.attempts.Complete(ctx, outcome.TenantID, outcome.ActionIntentID,
		string(outcome.Status), attemptCount); err != nil {
		return err
	}
	if outcome.Status == contracts.OutcomeSucceeded {
		if _, err := p.intents.Transition(ctx, outcome.TenantID, outcome.ActionIntentID,
			contracts.IntentApproved, contracts.IntentExecuted); err != nil {
			return err
		}
	}

	ref, err := OutcomeEvidenceRef(outcome)
	if err != nil {
		return err
	}
	data := map[string]any{
		"outcome_id":          outcome.OutcomeID,
		"action_intent_id":    outcome.ActionIntentID,
		"status":              string(outcome.Status),
		"attempt_count":       attemptCount,
		"compensation_status": string(outcome.CompensationStatus),
		"error_code":          outcome.ErrorCode,
	}
	for k, v := range state {
		data[k] = v
	}
	if _, err := p.ledger.Append(ctx, contracts.LedgerEntry{
		PK: fmt.Sprintf("acct#%s#%s", outcome.TenantID, outcome.AccountID),
		SK: fmt.Sprintf("%s#OUTCOME#%s",
			outcome.CompletedAt.UTC().Format(time.RFC3339Nano), outcome.OutcomeID),
		TenantID:     outcome.TenantID,
		AccountID:    outcome.AccountID,
		TraceID:      intent.DecisionTrace,
		EventType:    contracts.LedgerEventOutcome,
		Data:         data,
		EvidenceRefs: []contracts.EvidenceRef{ref},
		CreatedAt:    outcome.CompletedAt,
	}); err != nil {
		return err
	}

	if _, err := p.emitter.Emit(ctx, outcome, intent.DecisionTrace); err != nil {
		return err
	}
	p.logger.InfoContext(ctx, "execution recorded",
		"action_intent_id", outcome.ActionIntentID, "status", outcome.Status,
		"attempts", attemptCount, "compensation", outcome.CompensationStatus)
	return nil
}

// mergeParams overlays intent parameters onto the registry template.
func mergeParams(template, params map[string]any) map[string]any {
	out := make(map[string]any, len(template)+len(params))
	for k, v := range template {
		out[k] = v
	}
	for k, v := range params {
		out[k] = v
	}
	return out
}
