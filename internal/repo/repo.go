package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"listkeeper/internal/domain"
)

// Repo is the review store. Candidate status transitions are enforced here,
// at the store layer, so the state machine holds regardless of caller.
type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound          = errors.New("not found")
	ErrIllegalTransition = errors.New("illegal candidate status transition")
)

// DedupeKey identifies an issue independently of the run that found it.
// Regenerating candidates for unchanged data maps to the same key.
func DedupeKey(t domain.CandidateType, primaryID string, secondaryIDs []string) string {
	parts := append([]string{string(t), primaryID}, secondaryIDs...)
	return strings.Join(parts, "|")
}

func (r Repo) InsertCandidate(ctx context.Context, tx *sql.Tx, c domain.ReviewCandidate) error {
	secJSON, err := marshalStringSlice(c.SecondaryIDs)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO review_candidates(review_id,run_id,type,primary_id,secondary_ids_json,dedupe_key,reason,details_json,proposed_action,status,notes,created_at,reviewed_at,applied_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ReviewID, c.RunID, string(c.Type), c.PrimaryID, nullableStringPtr(secJSON), DedupeKey(c.Type, c.PrimaryID, c.SecondaryIDs),
		c.Reason, nullable(c.DetailsJSON), string(c.ProposedAction), string(c.Status), nullable(c.Notes),
		c.CreatedAt, nullableStringPtr(c.ReviewedAt), nullableStringPtr(c.AppliedAt))
	return err
}

// OpenCandidateExists reports whether a non-terminal candidate already covers
// the same issue. Used to keep candidate generation idempotent.
func (r Repo) OpenCandidateExists(ctx context.Context, t domain.CandidateType, primaryID string, secondaryIDs []string) (bool, error) {
	key := DedupeKey(t, primaryID, secondaryIDs)
	row := r.DB.QueryRowContext(ctx, `SELECT 1 FROM review_candidates WHERE dedupe_key=? AND status IN ('pending','approved') LIMIT 1`, key)
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r Repo) GetCandidate(ctx context.Context, reviewID string) (domain.ReviewCandidate, error) {
	return scanCandidate(r.DB.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM review_candidates WHERE review_id=?`, reviewID))
}

func (r Repo) GetCandidateTx(ctx context.Context, tx *sql.Tx, reviewID string) (domain.ReviewCandidate, error) {
	return scanCandidate(tx.QueryRowContext(ctx, `SELECT `+candidateColumns+` FROM review_candidates WHERE review_id=?`, reviewID))
}

const candidateColumns = `review_id,run_id,type,primary_id,secondary_ids_json,reason,details_json,proposed_action,status,notes,created_at,reviewed_at,applied_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (domain.ReviewCandidate, error) {
	var c domain.ReviewCandidate
	var typ, action, status string
	var secJSON, details, notes, reviewedAt, appliedAt sql.NullString
	err := row.Scan(&c.ReviewID, &c.RunID, &typ, &c.PrimaryID, &secJSON, &c.Reason, &details, &action, &status, &notes, &c.CreatedAt, &reviewedAt, &appliedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.Type = domain.CandidateType(typ)
	c.ProposedAction = domain.ProposedAction(action)
	c.Status = domain.CandidateStatus(status)
	if secJSON.Valid && secJSON.String != "" {
		if err := json.Unmarshal([]byte(secJSON.String), &c.SecondaryIDs); err != nil {
			return c, fmt.Errorf("secondary ids for %s: %w", c.ReviewID, err)
		}
	}
	if details.Valid {
		c.DetailsJSON = details.String
	}
	if notes.Valid {
		c.Notes = notes.String
	}
	if reviewedAt.Valid {
		c.ReviewedAt = &reviewedAt.String
	}
	if appliedAt.Valid {
		c.AppliedAt = &appliedAt.String
	}
	return c, nil
}

type CandidateFilters struct {
	Type            string
	Status          string
	RunID           string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCandidates(ctx context.Context, f CandidateFilters) ([]domain.ReviewCandidate, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RunID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, f.RunID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND review_id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + candidateColumns + ` FROM review_candidates ` + where + ` ORDER BY created_at DESC, review_id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewCandidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateStatus applies a reviewer decision. Only pending candidates may be
// approved or disapproved; anything else is ErrIllegalTransition.
func (r Repo) UpdateStatus(ctx context.Context, tx *sql.Tx, reviewID string, approve bool, notes, reviewedAt string) (domain.ReviewCandidate, error) {
	c, err := r.GetCandidateTx(ctx, tx, reviewID)
	if err != nil {
		return c, err
	}
	target := domain.StatusDisapproved
	if approve {
		target = domain.StatusApproved
	}
	if c.Status != domain.StatusPending {
		return c, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.Status, target)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE review_candidates SET status=?, notes=?, reviewed_at=? WHERE review_id=?`,
		string(target), nullable(notes), reviewedAt, reviewID); err != nil {
		return c, err
	}
	c.Status = target
	c.Notes = notes
	c.ReviewedAt = &reviewedAt
	return c, nil
}

// MarkApplied moves an approved candidate to its terminal applied state.
func (r Repo) MarkApplied(ctx context.Context, tx *sql.Tx, reviewID, appliedAt string) error {
	c, err := r.GetCandidateTx(ctx, tx, reviewID)
	if err != nil {
		return err
	}
	if c.Status != domain.StatusApproved {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.Status, domain.StatusApplied)
	}
	_, err = tx.ExecContext(ctx, `UPDATE review_candidates SET status=?, applied_at=? WHERE review_id=?`,
		string(domain.StatusApplied), appliedAt, reviewID)
	return err
}

func (r Repo) CountCandidatesByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM review_candidates GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func (r Repo) CountCandidatesByType(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT type, count(*) FROM review_candidates GROUP BY type`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var typ string
		var count int
		if err := rows.Scan(&typ, &count); err != nil {
			return nil, err
		}
		res[typ] = count
	}
	return res, rows.Err()
}

func (r Repo) ListCleaningLogs(ctx context.Context, limit int, runID string) ([]domain.CleaningLog, error) {
	clauses := []string{"1=1"}
	var args []any
	if runID != "" {
		clauses = append(clauses, "run_id=?")
		args = append(args, runID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,run_id,type,payload_json,ts FROM cleaning_logs %s ORDER BY id DESC LIMIT ?`, where)
	if limit <= 0 {
		limit = 50
	}
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CleaningLog
	for rows.Next() {
		var l domain.CleaningLog
		var runID sql.NullString
		if err := rows.Scan(&l.ID, &runID, &l.Type, &l.PayloadJSON, &l.TS); err != nil {
			return nil, err
		}
		if runID.Valid {
			l.RunID = runID.String
		}
		res = append(res, l)
	}
	return res, rows.Err()
}

// --- helpers ---

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
