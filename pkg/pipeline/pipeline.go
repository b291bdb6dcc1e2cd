// Package pipeline sequences the whole intent-segregation flow: screen,
// parse, vote, compare, then either execute or escalate to a human.
//
// The pipeline is where the system's security property lives: no single
// component can authorize an action. Raw input never reaches the engine;
// it must survive the malicious-input screen, win parser consensus, clear
// the provider policy and, when any of those waver, receive an explicit
// human approval. Disagreement and policy violations always escalate;
// there is no auto-deny and no best-guess fallthrough.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tetrad-labs/countersign/pkg/approval"
	"github.com/tetrad-labs/countersign/pkg/comparator"
	"github.com/tetrad-labs/countersign/pkg/detector"
	"github.com/tetrad-labs/countersign/pkg/engine"
	"github.com/tetrad-labs/countersign/pkg/generator"
	"github.com/tetrad-labs/countersign/pkg/intent"
	"github.com/tetrad-labs/countersign/pkg/ledger"
	"github.com/tetrad-labs/countersign/pkg/notify"
	"github.com/tetrad-labs/countersign/pkg/observability"
	"github.com/tetrad-labs/countersign/pkg/parser"
	"github.com/tetrad-labs/countersign/pkg/policy"
	"github.com/tetrad-labs/countersign/pkg/voting"
)

var (
	// ErrAllParsersFailed is returned when no parser produced an intent.
	// It is a hard failure of the request, not a pipeline status.
	ErrAllParsersFailed = errors.New("pipeline: all parsers failed")

	// ErrStillPending is returned by ResumeApproved while no human
	// decision exists yet.
	ErrStillPending = errors.New("pipeline: approval still pending")
)

// Status is the terminal state of one pipeline run. Every run ends in
// exactly one of these; hard failures surface as Go errors instead.
type Status string

// Terminal statuses.
const (
	StatusBlocked         Status = "blocked"
	StatusPendingApproval Status = "pending_approval"
	StatusDenied          Status = "denied"
	StatusCompleted       Status = "completed"
)

// Request is one raw user input to run through the pipeline.
type Request struct {
	UserInput string `json:"user_input"`
	UserID    string `json:"user_id"`
	SessionID string `json:"session_id"`
}

// ParserStage is one parser's outcome as reported to callers.
type ParserStage struct {
	ParserID   string  `json:"parser_id"`
	OK         bool    `json:"success"`
	Confidence float64 `json:"confidence,omitempty"`
	Error      string  `json:"error,omitempty"`
	ElapsedMS  int64   `json:"elapsed_ms"`
}

// VoteStage summarizes the consensus round.
type VoteStage struct {
	AgreementLevel      string  `json:"agreement_level"`
	MinSimilarity       float64 `json:"min_similarity"`
	AvgSimilarity       float64 `json:"avg_similarity"`
	AverageConfidence   float64 `json:"average_confidence"`
	ParserCount         int     `json:"parser_count"`
	RequiresHumanReview bool    `json:"requires_human_review"`
}

// StageReport carries every stage's verdict so callers can see why the
// run ended the way it did.
type StageReport struct {
	Detection  *detector.Detection          `json:"detection,omitempty"`
	Parsers    []ParserStage                `json:"parsers,omitempty"`
	Voting     *VoteStage                   `json:"voting,omitempty"`
	Comparison *comparator.ComparisonResult `json:"comparison,omitempty"`
}

// Result is the outcome of one pipeline run.
type Result struct {
	RequestID     uuid.UUID                `json:"request_id"`
	Status        Status                   `json:"status"`
	TrustedIntent *generator.TrustedIntent `json:"trusted_intent,omitempty"`
	EngineResult  *engine.Result           `json:"result,omitempty"`
	Message       string                   `json:"message"`
	Stages        StageReport              `json:"pipeline_info"`
}

// Deps are the pipeline's collaborators. All are required except Notifier
// and Telemetry.
type Deps struct {
	Detector   *detector.Detector
	Ensemble   *parser.Ensemble
	Voter      *voting.Voter
	Comparator *comparator.Comparator
	Generator  *generator.Generator
	Engine     *engine.Engine
	Queue      approval.Queue
	Ledger     ledger.Store
	Notifier   notify.Notifier
	Telemetry  *observability.Provider
	Policy     policy.ProviderPolicy

	// PreferredParserID names the parser whose intent is canonical when
	// it produced one. Defaults to the deterministic rule parser: during
	// conflict the one parser that cannot be prompt-injected is the only
	// safe choice.
	PreferredParserID string

	Clock  func() time.Time
	Logger *slog.Logger
}

// Pipeline runs requests through the full flow. It is safe for concurrent
// use; all mutable state lives in the queue and the ledger.
type Pipeline struct {
	deps Deps
}

// New validates the dependency set and builds a Pipeline.
func New(deps Deps) (*Pipeline, error) {
	switch {
	case deps.Detector == nil:
		return nil, errors.New("pipeline: detector required")
	case deps.Ensemble == nil:
		return nil, errors.New("pipeline: ensemble required")
	case deps.Voter == nil:
		return nil, errors.New("pipeline: voter required")
	case deps.Comparator == nil:
		return nil, errors.New("pipeline: comparator required")
	case deps.Generator == nil:
		return nil, errors.New("pipeline: generator required")
	case deps.Engine == nil:
		return nil, errors.New("pipeline: engine required")
	case deps.Queue == nil:
		return nil, errors.New("pipeline: approval queue required")
	case deps.Ledger == nil:
		return nil, errors.New("pipeline: ledger required")
	}
	if deps.PreferredParserID == "" {
		deps.PreferredParserID = parser.RuleParserID
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Pipeline{deps: deps}, nil
}

// Process runs one request end to end and returns its terminal status.
//
// Expected outcomes (Blocked, PendingApproval, Completed) return a Result
// and a nil error. Hard failures — every parser failed, the generator or
// engine broke, the audit ledger would not accept the record — return an
// error instead: the caller must treat the request as failed, never as
// silently allowed.
func (p *Pipeline) Process(ctx context.Context, req Request) (Result, error) {
	d := p.deps
	requestID := uuid.New()
	logger := d.Logger.With("request_id", requestID)
	ctx, span := d.Telemetry.StartSpan(ctx, "pipeline.process")
	defer span.End()

	logger.InfoContext(ctx, "processing user input",
		"user_id", req.UserID, "session_id", req.SessionID)

	rec := ledger.Record{
		ID:            requestID,
		SessionID:     req.SessionID,
		UserID:        req.UserID,
		Timestamp:     d.Clock(),
		UserInputHash: ledger.HashInput(req.UserInput),
	}
	var stages StageReport

	// Stage 1: malicious input screen. A blocked input never reaches a
	// parser.
	detectStart := d.Clock()
	detection := d.Detector.ScanDetailed(req.UserInput)
	d.Telemetry.RecordStage(ctx, "detect", d.Clock().Sub(detectStart))
	stages.Detection = &detection
	rec.Detection = &ledger.DetectionSummary{
		Blocked:  detection.Blocked,
		Category: string(detection.Category),
		Reason:   detection.Reason,
	}

	if detection.Blocked {
		logger.WarnContext(ctx, "input blocked as malicious",
			"category", detection.Category, "reason", detection.Reason)
		rec.Status = ledger.StatusBlocked
		if err := p.append(ctx, rec); err != nil {
			return Result{}, err
		}
		d.Telemetry.RecordRequest(ctx, string(StatusBlocked))
		return Result{
			RequestID: requestID,
			Status:    StatusBlocked,
			Message:   fmt.Sprintf("Input blocked: %s", detection.Reason),
			Stages:    stages,
		}, nil
	}

	// Stage 2: parser ensemble.
	parseStart := d.Clock()
	rs, err := d.Ensemble.ParseAll(ctx, parser.Request{
		Prompt:    req.UserInput,
		UserID:    req.UserID,
		SessionID: req.SessionID,
	})
	d.Telemetry.RecordStage(ctx, "parse", d.Clock().Sub(parseStart))
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: ensemble: %w", err)
	}

	stages.Parsers = parserStages(rs)
	d.Telemetry.RecordParserFailures(ctx, len(rs.Failed()))
	if rs.AllFailed() {
		logger.ErrorContext(ctx, "all parsers failed", "parsers", len(rs.Outcomes))
		return Result{}, fmt.Errorf("%w: %s", ErrAllParsersFailed, failureDigest(rs))
	}

	// Stage 3: voting.
	voteStart := d.Clock()
	vote, err := d.Voter.Vote(rs.Intents(), d.PreferredParserID)
	d.Telemetry.RecordStage(ctx, "vote", d.Clock().Sub(voteStart))
	if err != nil {
		return Result{}, fmt.Errorf("pipeline: voting: %w", err)
	}
	d.Telemetry.RecordAgreement(ctx, vote.AgreementLevel.String())

	requiresHumanReview := vote.HasConflict()
	stages.Voting = &VoteStage{
		AgreementLevel:      vote.AgreementLevel.String(),
		MinSimilarity:       vote.MinSimilarity,
		AvgSimilarity:       vote.AvgSimilarity,
		AverageConfidence:   vote.AverageConfidence(),
		ParserCount:         len(vote.ParserResults),
		RequiresHumanReview: requiresHumanReview,
	}
	rec.Votes = ledger.VoteSummary{
		AgreementLevel: vote.AgreementLevel.String(),
		MinSimilarity:  vote.MinSimilarity,
		AvgSimilarity:  vote.AvgSimilarity,
		ParserCount:    len(vote.ParserResults),
		FailedParsers:  len(rs.Failed()),
	}

	// Stage 4: policy comparison on the canonical intent.
	compareStart := d.Clock()
	comparison := d.Comparator.Compare(vote.CanonicalIntent, d.Policy)
	d.Telemetry.RecordStage(ctx, "compare", d.Clock().Sub(compareStart))
	stages.Comparison = &comparison
	rec.Comparison = ledger.ComparisonSummary{
		Decision:   string(comparison.Decision),
		Message:    comparison.Message,
		Violations: violationDescriptions(comparison),
	}

	// Stage 5: the escalation decision. Any one of the three triggers is
	// sufficient; hard policy mismatches always go to a human rather
	// than auto-denying.
	requiresApproval := requiresHumanReview ||
		comparison.IsHardMismatch() ||
		d.Policy.RequireHumanApproval

	if requiresApproval {
		pending := approval.PendingApproval{
			ID:        requestID,
			UserID:    req.UserID,
			SessionID: req.SessionID,
			Intent:    vote.CanonicalIntent,
			Reason:    escalationReason(requiresHumanReview, comparison, vote.AgreementLevel),
			CreatedAt: d.Clock(),
		}
		if err := d.Queue.AddPending(ctx, pending); err != nil {
			return Result{}, fmt.Errorf("pipeline: enqueue approval: %w", err)
		}
		d.Telemetry.AddPendingApprovals(ctx, 1)
		p.notifyPending(ctx, pending)

		rec.Status = ledger.StatusPendingApproval
		rec.Approval = &ledger.ApprovalSummary{
			ApprovalID: pending.ID.String(),
			Reason:     pending.Reason,
		}
		if err := p.append(ctx, rec); err != nil {
			return Result{}, err
		}

		logger.InfoContext(ctx, "human approval required", "reason", pending.Reason)
		d.Telemetry.RecordRequest(ctx, string(StatusPendingApproval))
		return Result{
			RequestID: requestID,
			Status:    StatusPendingApproval,
			Message: fmt.Sprintf("Request requires human approval. Check status at /v1/approvals/%s.",
				requestID),
			Stages: stages,
		}, nil
	}

	// Stage 6: execute.
	trusted, engineResult, err := p.execute(ctx, vote.CanonicalIntent, req.UserID, req.SessionID, &rec)
	if err != nil {
		// Record the failed run before surfacing the hard error; an
		// execution failure must still leave an audit trace.
		rec.Status = ledger.StatusFailed
		if appendErr := p.append(ctx, rec); appendErr != nil {
			return Result{}, errors.Join(err, appendErr)
		}
		return Result{}, err
	}

	rec.Status = ledger.StatusCompleted
	if err := p.append(ctx, rec); err != nil {
		return Result{}, err
	}

	logger.InfoContext(ctx, "processing completed",
		"action", trusted.Action, "success", engineResult.Success)
	d.Telemetry.RecordRequest(ctx, string(StatusCompleted))
	return Result{
		RequestID:     requestID,
		Status:        StatusCompleted,
		TrustedIntent: &trusted,
		EngineResult:  &engineResult,
		Message:       completionMessage(engineResult),
		Stages:        stages,
	}, nil
}

// ResumeApproved finishes a previously escalated run once a human has
// decided it. An approved decision re-enters the pipeline at the execution
// stage using the stored canonical intent; a denial resolves the run as
// Denied. While no decision exists it returns ErrStillPending.
func (p *Pipeline) ResumeApproved(ctx context.Context, pendingID uuid.UUID) (Result, error) {
	d := p.deps
	ctx, span := d.Telemetry.StartSpan(ctx, "pipeline.resume")
	defer span.End()

	pending, err := d.Queue.GetPending(ctx, pendingID)
	if err != nil {
		return Result{}, err
	}
	decision, decided, err := d.Queue.GetDecision(ctx, pendingID)
	if err != nil {
		return Result{}, err
	}
	if !decided {
		return Result{}, ErrStillPending
	}

	logger := d.Logger.With("approval_id", pendingID)
	rec := ledger.Record{
		ID:        uuid.New(),
		SessionID: pending.SessionID,
		UserID:    pending.UserID,
		Timestamp: d.Clock(),
		Approval: &ledger.ApprovalSummary{
			ApprovalID: pendingID.String(),
			Reason:     pending.Reason,
			Decision:   decisionLabel(decision),
			ApproverID: decision.ApproverID,
			DecidedAt:  &decision.DecidedAt,
		},
	}

	if !decision.Approved {
		rec.Status = ledger.StatusDenied
		if err := p.append(ctx, rec); err != nil {
			return Result{}, err
		}
		logger.InfoContext(ctx, "escalated run denied", "approver_id", decision.ApproverID)
		d.Telemetry.RecordRequest(ctx, string(StatusDenied))
		return Result{
			RequestID: pendingID,
			Status:    StatusDenied,
			Message:   fmt.Sprintf("Intent denied by %s.", decision.ApproverID),
		}, nil
	}

	trusted, engineResult, err := p.execute(ctx, pending.Intent, pending.UserID, pending.SessionID, &rec)
	if err != nil {
		rec.Status = ledger.StatusFailed
		if appendErr := p.append(ctx, rec); appendErr != nil {
			return Result{}, errors.Join(err, appendErr)
		}
		return Result{}, err
	}

	rec.Status = ledger.StatusCompleted
	if err := p.append(ctx, rec); err != nil {
		return Result{}, err
	}

	logger.InfoContext(ctx, "escalated run completed", "approver_id", decision.ApproverID)
	d.Telemetry.RecordRequest(ctx, string(StatusCompleted))
	return Result{
		RequestID:     pendingID,
		Status:        StatusCompleted,
		TrustedIntent: &trusted,
		EngineResult:  &engineResult,
		Message:       completionMessage(engineResult),
	}, nil
}

// execute mints the trusted intent and runs it through the engine,
// recording both stages on rec.
func (p *Pipeline) execute(ctx context.Context, canonical intent.Intent, userID, sessionID string, rec *ledger.Record) (generator.TrustedIntent, engine.Result, error) {
	d := p.deps

	genStart := d.Clock()
	trusted, err := d.Generator.Generate(canonical, userID, sessionID)
	d.Telemetry.RecordStage(ctx, "generate", d.Clock().Sub(genStart))
	if err != nil {
		return generator.TrustedIntent{}, engine.Result{}, fmt.Errorf("pipeline: generate trusted intent: %w", err)
	}
	rec.TrustedIntentHash = trusted.ContentHash

	execStart := d.Clock()
	result, err := d.Engine.Execute(ctx, trusted)
	elapsed := d.Clock().Sub(execStart)
	d.Telemetry.RecordStage(ctx, "execute", elapsed)
	if err != nil {
		rec.Outcome = ledger.OutcomeSummary{
			Action:     trusted.Action,
			Success:    false,
			Error:      err.Error(),
			DurationMS: elapsed.Milliseconds(),
		}
		return generator.TrustedIntent{}, engine.Result{}, fmt.Errorf("pipeline: execute: %w", err)
	}

	rec.Outcome = ledger.OutcomeSummary{
		Action:         result.Action,
		FunctionCalled: result.Metadata.FunctionCalled,
		Success:        result.Success,
		Error:          result.Error,
		DurationMS:     result.Metadata.DurationMS,
	}
	return trusted, result, nil
}

// append writes the audit record; a ledger that will not take the record
// fails the whole request.
func (p *Pipeline) append(ctx context.Context, rec ledger.Record) error {
	if _, err := p.deps.Ledger.Append(ctx, rec); err != nil {
		return fmt.Errorf("pipeline: append audit record: %w", err)
	}
	return nil
}

// notifyPending alerts the configured channel. Delivery failure is logged
// and deliberately swallowed: the queue already holds the durable state.
func (p *Pipeline) notifyPending(ctx context.Context, pending approval.PendingApproval) {
	if p.deps.Notifier == nil {
		return
	}
	if err := p.deps.Notifier.NotifyPending(ctx, pending); err != nil {
		p.deps.Logger.WarnContext(ctx, "approval notification failed",
			"approval_id", pending.ID, "error", err)
	}
}

func parserStages(rs parser.ResultSet) []ParserStage {
	out := make([]ParserStage, 0, len(rs.Outcomes))
	for _, o := range rs.Outcomes {
		stage := ParserStage{
			ParserID:  o.ParserID,
			OK:        o.OK(),
			ElapsedMS: o.Elapsed.Milliseconds(),
		}
		if o.OK() {
			stage.Confidence = o.Intent.Confidence
		} else {
			stage.Error = o.Err.Error()
		}
		out = append(out, stage)
	}
	return out
}

func failureDigest(rs parser.ResultSet) string {
	failed := rs.Failed()
	msgs := make([]string, len(failed))
	for i, o := range failed {
		msgs[i] = fmt.Sprintf("%s: %v", o.ParserID, o.Err)
	}
	return fmt.Sprintf("%d parser(s) failed (%v)", len(failed), msgs)
}

// escalationReason names which trigger forced the escalation; a human
// reading the queue should know at a glance why the system stopped.
func escalationReason(conflict bool, comparison comparator.ComparisonResult, level intent.AgreementLevel) string {
	switch {
	case conflict:
		return fmt.Sprintf("Parser conflict: %s agreement", level)
	case comparison.IsHardMismatch():
		return fmt.Sprintf("Policy mismatch: %s", comparison.Message)
	default:
		return "Policy requires human approval"
	}
}

func violationDescriptions(c comparator.ComparisonResult) []string {
	if len(c.Reasons) == 0 {
		return nil
	}
	out := make([]string, len(c.Reasons))
	for i, r := range c.Reasons {
		out[i] = r.Description
	}
	return out
}

func completionMessage(r engine.Result) string {
	if r.Success {
		return "Intent processed successfully"
	}
	return fmt.Sprintf("Intent executed with failure: %s", r.Error)
}

func decisionLabel(d approval.Decision) string {
	if d.Approved {
		return string(approval.StatusApproved)
	}
	return string(approval.StatusDenied)
}
