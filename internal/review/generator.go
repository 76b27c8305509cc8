package review

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"listkeeper/internal/detect"
	"listkeeper/internal/domain"
)

// reviewNamespace seeds deterministic review identifiers.
var reviewNamespace = uuid.MustParse("7c9a1db2-4f6e-4d3a-9b1f-5e2a8c0d4b61")

// ReviewID derives the identifier for one detected issue. The id is stable
// for a given run but salted with the run id: a disapproved or applied
// candidate keeps its id forever, and a later run that finds the same issue
// again mints a fresh one. Cross-run dedupe against still-open candidates
// happens at the store layer via the dedupe key, not the id.
func ReviewID(runID string, t domain.CandidateType, primaryID string, secondaryIDs []string) string {
	parts := append([]string{runID, string(t), primaryID}, secondaryIDs...)
	return uuid.NewSHA1(reviewNamespace, []byte(strings.Join(parts, "|"))).String()
}

// Input is everything the upstream stages produced for one run.
type Input struct {
	RunID     string
	Groups    []domain.DuplicateGroup
	TestProps map[string]detect.Finding
	Issues    map[string][]domain.ValidationIssue
	Now       time.Time
}

// Generate is a pure aggregation of the run's findings into pending review
// candidates. One candidate per duplicate group, per test-flagged property,
// and per property with at least one error-severity issue. Persistence and
// dedupe against already-open candidates happen at the store layer.
func Generate(in Input) []domain.ReviewCandidate {
	var out []domain.ReviewCandidate
	created := in.Now.UTC().Format(time.RFC3339)

	for _, g := range in.Groups {
		secondaries := g.SecondaryIDs()
		details, _ := json.Marshal(map[string]any{"scores": g.Scores, "member_ids": g.MemberIDs})
		out = append(out, domain.ReviewCandidate{
			ReviewID:       ReviewID(in.RunID, domain.CandidateDuplicate, g.PrimaryID, secondaries),
			RunID:          in.RunID,
			Type:           domain.CandidateDuplicate,
			PrimaryID:      g.PrimaryID,
			SecondaryIDs:   secondaries,
			Reason:         fmt.Sprintf("%d listings matched above similarity threshold", len(g.MemberIDs)),
			DetailsJSON:    string(details),
			ProposedAction: domain.ActionMerge,
			Status:         domain.StatusPending,
			CreatedAt:      created,
		})
	}

	for _, id := range sortedKeys(in.TestProps) {
		f := in.TestProps[id]
		details, _ := json.Marshal(f)
		out = append(out, domain.ReviewCandidate{
			ReviewID:       ReviewID(in.RunID, domain.CandidateTest, id, nil),
			RunID:          in.RunID,
			Type:           domain.CandidateTest,
			PrimaryID:      id,
			Reason:         strings.Join(f.Reasons, "; "),
			DetailsJSON:    string(details),
			ProposedAction: domain.ActionDelete,
			Status:         domain.StatusPending,
			CreatedAt:      created,
		})
	}

	for _, id := range sortedKeys(in.Issues) {
		issues := in.Issues[id]
		errs := errorIssues(issues)
		if len(errs) == 0 {
			continue
		}
		details, _ := json.Marshal(map[string]any{"issues": issues})
		rules := make([]string, 0, len(errs))
		for _, is := range errs {
			rules = append(rules, is.Rule)
		}
		out = append(out, domain.ReviewCandidate{
			ReviewID:       ReviewID(in.RunID, domain.CandidateInvalid, id, nil),
			RunID:          in.RunID,
			Type:           domain.CandidateInvalid,
			PrimaryID:      id,
			Reason:         "failed validation: " + strings.Join(rules, ", "),
			DetailsJSON:    string(details),
			ProposedAction: domain.ActionFlag,
			Status:         domain.StatusPending,
			CreatedAt:      created,
		})
	}

	return out
}

func errorIssues(issues []domain.ValidationIssue) []domain.ValidationIssue {
	var out []domain.ValidationIssue
	for _, is := range issues {
		if is.Severity == domain.SeverityError {
			out = append(out, is)
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
