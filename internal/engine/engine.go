package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"listkeeper/internal/cleanlog"
	"listkeeper/internal/config"
	"listkeeper/internal/detect"
	"listkeeper/internal/domain"
	"listkeeper/internal/logging"
	"listkeeper/internal/match"
	"listkeeper/internal/repo"
	"listkeeper/internal/review"
	"listkeeper/internal/standardize"
	"listkeeper/internal/storage"
	"listkeeper/internal/validate"
	"listkeeper/internal/worker"
)

// Engine sequences the cleaning pipeline and owns every write to the
// review store. Catalog mutations go through Store; candidate state and
// cleaning logs go through DB.
type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Store  storage.PropertyStore
	Logs   cleanlog.Writer
	Config *config.Config
	Logger *logging.Logger
	Now    func() time.Time
}

func New(db *sql.DB, store storage.PropertyStore, cfg *config.Config, logger *logging.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Store:  store,
		Logs:   cleanlog.Writer{DB: db},
		Config: cfg,
		Logger: logger,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *logging.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return logging.Discard()
}

// appendLog writes one audit entry in its own transaction. A failed write is
// logged and swallowed; it must not change the outcome of the surrounding
// operation.
func (e Engine) appendLog(ctx context.Context, event, runID string, payload cleanlog.Payload) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		e.log().Warn("append %s log: %v", event, err)
		return
	}
	defer tx.Rollback()
	if err := e.Logs.Append(ctx, tx, event, runID, payload); err != nil {
		e.log().Warn("append %s log: %v", event, err)
		return
	}
	if err := tx.Commit(); err != nil {
		e.log().Warn("append %s log: %v", event, err)
	}
}

// RunOptions narrow a cleaning run and control the optional unattended
// tail.
type RunOptions struct {
	Scope     storage.Filter
	AutoApply bool
	Actor     string
}

func scopeLabel(f storage.Filter) string {
	var parts []string
	if f.UpdatedSince != "" {
		parts = append(parts, "since="+f.UpdatedSince)
	}
	if f.City != "" {
		parts = append(parts, "city="+f.City)
	}
	if f.State != "" {
		parts = append(parts, "state="+f.State)
	}
	if f.Source != "" {
		parts = append(parts, "source="+f.Source)
	}
	if len(parts) == 0 {
		return "all"
	}
	return strings.Join(parts, ",")
}

// RunCleaning executes one full pipeline pass: fetch, standardize,
// validate, detect test listings, match duplicates, then persist review
// candidates. Individual record failures never abort the batch. With
// AutoApply set, high-confidence test deletions are approved and executed
// unattended, bounded by configuration.
func (e Engine) RunCleaning(ctx context.Context, opts RunOptions) (domain.RunSummary, error) {
	if e.Config == nil {
		return domain.RunSummary{}, errors.New("config not loaded")
	}
	summary := domain.RunSummary{
		RunID:     uuid.NewString(),
		Scope:     scopeLabel(opts.Scope),
		StartedAt: e.now().UTC().Format(time.RFC3339),
	}

	props, err := e.Store.FetchProperties(ctx, opts.Scope)
	if err != nil {
		return summary, fmt.Errorf("fetch properties: %w", err)
	}
	summary.Fetched = len(props)

	std := standardize.New(e.Config)
	val := validate.New(e.Config)
	val.Now = e.now
	det := detect.New(e.Config)

	standardized := make([]domain.PropertyRecord, 0, len(props))
	issues := make(map[string][]domain.ValidationIssue)
	findings := make(map[string]detect.Finding)

	for _, p := range props {
		res := std.Apply(p)
		standardized = append(standardized, res.Record)
		summary.Standardized++
		summary.UnmappedValues += len(res.Unmapped)

		recIssues := val.Validate(res.Record, res.Unmapped)
		if len(recIssues) > 0 {
			issues[p.ID] = recIssues
			summary.IssuesFound += len(recIssues)
			if validate.HasError(recIssues) {
				summary.InvalidProperties++
			}
		}
		if f := det.Inspect(res.Record); f.IsTest {
			findings[p.ID] = f
		}
	}
	summary.TestProperties = len(findings)

	groups := match.New(e.Config).Group(standardized)
	summary.DuplicateGroups = len(groups)

	candidates := review.Generate(review.Input{
		RunID:     summary.RunID,
		Groups:    groups,
		TestProps: findings,
		Issues:    issues,
		Now:       e.now(),
	})

	if err := e.persistCandidates(ctx, candidates, &summary); err != nil {
		return summary, err
	}

	if opts.AutoApply && e.Config.AutoApply.Enabled {
		applied, err := e.autoApply(ctx, summary.RunID, findings, opts.Actor)
		summary.AutoApplied = applied
		if err != nil {
			e.log().Warn("auto-apply incomplete: %v", err)
		}
	}

	summary.FinishedAt = e.now().UTC().Format(time.RFC3339)
	if err := e.logRunSummary(ctx, summary); err != nil {
		return summary, err
	}
	e.log().Info("run %s: %d fetched, %d groups, %d test, %d invalid, %d candidates (%d deduped)",
		summary.RunID, summary.Fetched, summary.DuplicateGroups, summary.TestProperties,
		summary.InvalidProperties, summary.CandidatesCreated, summary.CandidatesDeduped)
	return summary, nil
}

// persistCandidates writes pending candidates, skipping any issue that is
// already covered by an open candidate. Re-running over unchanged data is a
// no-op.
func (e Engine) persistCandidates(ctx context.Context, candidates []domain.ReviewCandidate, summary *domain.RunSummary) error {
	for _, c := range candidates {
		exists, err := e.Repo.OpenCandidateExists(ctx, c.Type, c.PrimaryID, c.SecondaryIDs)
		if err != nil {
			return fmt.Errorf("dedupe check: %w", err)
		}
		if exists {
			summary.CandidatesDeduped++
			continue
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := e.Repo.InsertCandidate(ctx, tx, c); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert candidate %s: %w", c.ReviewID, err)
		}
		if err := e.Logs.Append(ctx, tx, "candidate.created", c.RunID, cleanlog.Payload{
			"review_id": c.ReviewID,
			"type":      string(c.Type),
			"primary":   c.PrimaryID,
		}); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		summary.CandidatesCreated++
	}
	return nil
}

func (e Engine) logRunSummary(ctx context.Context, summary domain.RunSummary) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Logs.Append(ctx, tx, "run.completed", summary.RunID, cleanlog.Payload{
		"scope":              summary.Scope,
		"fetched":            summary.Fetched,
		"standardized":       summary.Standardized,
		"unmapped_values":    summary.UnmappedValues,
		"issues_found":       summary.IssuesFound,
		"invalid_properties": summary.InvalidProperties,
		"duplicate_groups":   summary.DuplicateGroups,
		"test_properties":    summary.TestProperties,
		"candidates_created": summary.CandidatesCreated,
		"candidates_deduped": summary.CandidatesDeduped,
		"auto_applied":       summary.AutoApplied,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// Review applies a reviewer decision to one candidate. The store rejects
// anything but a pending candidate.
func (e Engine) Review(ctx context.Context, reviewID string, approve bool, notes, actor string) (domain.ReviewCandidate, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewCandidate{}, err
	}
	defer tx.Rollback()

	reviewedAt := e.now().UTC().Format(time.RFC3339)
	c, err := e.Repo.UpdateStatus(ctx, tx, reviewID, approve, notes, reviewedAt)
	if err != nil {
		return c, err
	}
	if err := e.Logs.Append(ctx, tx, "candidate.reviewed", c.RunID, cleanlog.Payload{
		"review_id": reviewID,
		"status":    string(c.Status),
		"actor":     actor,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// PlanActions derives pending actions from every approved candidate. Pure
// read path; repeated calls re-derive the same plan.
func (e Engine) PlanActions(ctx context.Context) ([]domain.PendingAction, error) {
	approved, err := e.Repo.ListCandidates(ctx, repo.CandidateFilters{Status: string(domain.StatusApproved)})
	if err != nil {
		return nil, err
	}
	if len(approved) == 0 {
		return nil, nil
	}
	records, err := e.propertyIndex(ctx)
	if err != nil {
		return nil, err
	}
	return review.Plan(approved, records)
}

func (e Engine) propertyIndex(ctx context.Context) (map[string]domain.PropertyRecord, error) {
	props, err := e.Store.FetchProperties(ctx, storage.Filter{})
	if err != nil {
		return nil, fmt.Errorf("fetch properties: %w", err)
	}
	out := make(map[string]domain.PropertyRecord, len(props))
	for _, p := range props {
		out[p.ID] = p
	}
	return out, nil
}

// Execute applies pending actions to storage. Without confirm it performs
// zero mutations and reports everything as skipped. Each action re-checks
// its candidate immediately before mutating, so an approval revoked since
// planning is discarded, never executed.
func (e Engine) Execute(ctx context.Context, actions []domain.PendingAction, confirm bool, actor string) (domain.ExecSummary, error) {
	summary := domain.ExecSummary{Confirmed: confirm}
	if !confirm {
		for _, a := range actions {
			summary.Skipped++
			summary.Outcomes = append(summary.Outcomes, domain.ExecOutcome{
				ReviewID:  a.ReviewID,
				Operation: a.Operation,
				TargetIDs: a.TargetIDs,
				Skipped:   true,
				Reason:    "confirmation not given",
			})
		}
		return summary, nil
	}

	for _, a := range actions {
		outcome := e.executeOne(ctx, a, actor)
		switch {
		case outcome.Applied:
			summary.Applied++
		case outcome.Skipped:
			summary.Skipped++
		default:
			summary.Failed++
		}
		summary.Outcomes = append(summary.Outcomes, outcome)
	}
	return summary, nil
}

func (e Engine) executeOne(ctx context.Context, a domain.PendingAction, actor string) domain.ExecOutcome {
	outcome := domain.ExecOutcome{ReviewID: a.ReviewID, Operation: a.Operation, TargetIDs: a.TargetIDs}

	c, err := e.Repo.GetCandidate(ctx, a.ReviewID)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if c.Status != domain.StatusApproved {
		outcome.Skipped = true
		outcome.Reason = fmt.Sprintf("candidate is %s, not approved", c.Status)
		e.log().Warn("discarding stale action for %s: %s", a.ReviewID, outcome.Reason)
		e.appendLog(ctx, "action.discarded", c.RunID, cleanlog.Payload{
			"review_id": a.ReviewID,
			"status":    string(c.Status),
		})
		return outcome
	}

	retry := worker.RetryConfig{
		MaxAttempts: e.Config.Executor.MaxAttempts,
		BaseDelay:   time.Duration(e.Config.Executor.BaseDelayMs) * time.Millisecond,
		Logger:      e.Logger,
	}
	opCtx := ctx
	if e.Config.Executor.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		opCtx, cancel = context.WithTimeout(ctx, time.Duration(e.Config.Executor.TimeoutSeconds)*time.Second)
		defer cancel()
	}

	err = retry.Do(opCtx, string(a.Operation)+" "+a.ReviewID, func() error {
		return e.mutate(opCtx, a)
	})
	if err != nil {
		// The candidate stays approved so the next execution pass retries it.
		outcome.Error = err.Error()
		e.log().Error("action %s failed: %v", a.ReviewID, err)
		return outcome
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	defer tx.Rollback()
	appliedAt := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.MarkApplied(ctx, tx, a.ReviewID, appliedAt); err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if err := e.Logs.Append(ctx, tx, "action.applied", c.RunID, cleanlog.Payload{
		"review_id": a.ReviewID,
		"operation": string(a.Operation),
		"targets":   a.TargetIDs,
		"actor":     actor,
	}); err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	if err := tx.Commit(); err != nil {
		outcome.Error = err.Error()
		return outcome
	}
	outcome.Applied = true
	return outcome
}

// mutate performs the storage-side change for one action.
func (e Engine) mutate(ctx context.Context, a domain.PendingAction) error {
	switch a.Operation {
	case domain.ActionMerge:
		var p domain.MergePayload
		if err := json.Unmarshal([]byte(a.PayloadJSON), &p); err != nil {
			return fmt.Errorf("merge payload: %w", err)
		}
		if len(p.MergedFields) > 0 {
			if err := e.Store.UpdateProperty(ctx, p.PrimaryID, p.MergedFields); err != nil {
				return fmt.Errorf("update primary %s: %w", p.PrimaryID, err)
			}
		}
		if len(p.SourceBrokerIDs) > 0 {
			raw, _ := json.Marshal(p.SourceBrokerIDs)
			if err := e.Store.SetMetadata(ctx, p.PrimaryID, storage.MetaSourceBrokerIDs, string(raw)); err != nil {
				return fmt.Errorf("record broker provenance: %w", err)
			}
		}
		for _, id := range p.SecondaryIDs {
			if err := e.Store.DeleteProperty(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				return fmt.Errorf("delete secondary %s: %w", id, err)
			}
		}
		return nil
	case domain.ActionDelete:
		var p domain.DeletePayload
		if err := json.Unmarshal([]byte(a.PayloadJSON), &p); err != nil {
			return fmt.Errorf("delete payload: %w", err)
		}
		id := a.TargetIDs[0]
		if err := e.Store.SetMetadata(ctx, id, storage.MetaDeletionReason, p.Reason); err != nil {
			return fmt.Errorf("record deletion reason: %w", err)
		}
		if err := e.Store.DeleteProperty(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		return nil
	case domain.ActionFlag:
		var p domain.FlagPayload
		if err := json.Unmarshal([]byte(a.PayloadJSON), &p); err != nil {
			return fmt.Errorf("flag payload: %w", err)
		}
		id := a.TargetIDs[0]
		if err := e.Store.SetMetadata(ctx, id, storage.MetaFlagged, "true"); err != nil {
			return fmt.Errorf("flag %s: %w", id, err)
		}
		if err := e.Store.SetMetadata(ctx, id, storage.MetaFlagReason, p.FlagReason); err != nil {
			return fmt.Errorf("record flag reason: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown operation %q", a.Operation)
	}
}

// autoApply approves and executes this run's high-confidence test deletions
// without waiting for a reviewer. Nothing else ever bypasses human review.
func (e Engine) autoApply(ctx context.Context, runID string, findings map[string]detect.Finding, actor string) (int, error) {
	max := e.Config.AutoApply.MaxDeletes
	applied := 0
	candidates, err := e.Repo.ListCandidates(ctx, repo.CandidateFilters{
		Type:   string(domain.CandidateTest),
		Status: string(domain.StatusPending),
		RunID:  runID,
	})
	if err != nil {
		return 0, err
	}
	for _, c := range candidates {
		if max > 0 && applied >= max {
			e.log().Warn("auto-apply limit %d reached, leaving remaining candidates pending", max)
			break
		}
		f, ok := findings[c.PrimaryID]
		if !ok || !f.HighConfidence {
			continue
		}
		approved, err := e.Review(ctx, c.ReviewID, true, "auto-approved: high-confidence test listing", actor)
		if err != nil {
			return applied, fmt.Errorf("auto-approve %s: %w", c.ReviewID, err)
		}
		actions, err := review.Plan([]domain.ReviewCandidate{approved}, nil)
		if err != nil {
			return applied, err
		}
		res, err := e.Execute(ctx, actions, true, actor)
		if err != nil {
			return applied, err
		}
		applied += res.Applied
	}
	return applied, nil
}

// Status summarizes the review store for the operator surface.
type Status struct {
	ByStatus map[string]int `json:"by_status"`
	ByType   map[string]int `json:"by_type"`
}

func (e Engine) Status(ctx context.Context) (Status, error) {
	byStatus, err := e.Repo.CountCandidatesByStatus(ctx)
	if err != nil {
		return Status{}, err
	}
	byType, err := e.Repo.CountCandidatesByType(ctx)
	if err != nil {
		return Status{}, err
	}
	return Status{ByStatus: byStatus, ByType: byType}, nil
}
