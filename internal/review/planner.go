package review

import (
	"encoding/json"
	"fmt"
	"sort"

	"listkeeper/internal/domain"
)

// Plan maps approved candidates to pending actions. It performs no I/O, so
// the result doubles as a dry-run preview. Candidates in any other state
// are skipped; records supplies the current property set for merge payloads.
func Plan(candidates []domain.ReviewCandidate, records map[string]domain.PropertyRecord) ([]domain.PendingAction, error) {
	var out []domain.PendingAction
	for _, c := range candidates {
		if c.Status != domain.StatusApproved {
			continue
		}
		action, err := planOne(c, records)
		if err != nil {
			return nil, fmt.Errorf("plan candidate %s: %w", c.ReviewID, err)
		}
		out = append(out, action)
	}
	return out, nil
}

func planOne(c domain.ReviewCandidate, records map[string]domain.PropertyRecord) (domain.PendingAction, error) {
	switch c.Type {
	case domain.CandidateDuplicate:
		return planMerge(c, records)
	case domain.CandidateTest:
		payload, _ := json.Marshal(domain.DeletePayload{Reason: c.Reason})
		return domain.PendingAction{
			ReviewID:    c.ReviewID,
			Operation:   domain.ActionDelete,
			TargetIDs:   []string{c.PrimaryID},
			PayloadJSON: string(payload),
		}, nil
	case domain.CandidateInvalid:
		payload, _ := json.Marshal(domain.FlagPayload{
			FlagReason: c.Reason,
			Rules:      flagRules(c),
		})
		return domain.PendingAction{
			ReviewID:    c.ReviewID,
			Operation:   domain.ActionFlag,
			TargetIDs:   []string{c.PrimaryID},
			PayloadJSON: string(payload),
		}, nil
	default:
		return domain.PendingAction{}, fmt.Errorf("unknown candidate type %q", c.Type)
	}
}

func planMerge(c domain.ReviewCandidate, records map[string]domain.PropertyRecord) (domain.PendingAction, error) {
	primary, ok := records[c.PrimaryID]
	if !ok {
		return domain.PendingAction{}, fmt.Errorf("primary property %s not found", c.PrimaryID)
	}
	var secondaries []domain.PropertyRecord
	for _, id := range c.SecondaryIDs {
		s, ok := records[id]
		if !ok {
			return domain.PendingAction{}, fmt.Errorf("secondary property %s not found", id)
		}
		secondaries = append(secondaries, s)
	}

	payload := domain.MergePayload{
		PrimaryID:       c.PrimaryID,
		SecondaryIDs:    append([]string(nil), c.SecondaryIDs...),
		MergedFields:    MergeFields(primary, secondaries),
		SourceBrokerIDs: unionBrokerIDs(primary, secondaries),
	}
	raw, _ := json.Marshal(payload)
	return domain.PendingAction{
		ReviewID:    c.ReviewID,
		Operation:   domain.ActionMerge,
		TargetIDs:   append([]string{c.PrimaryID}, c.SecondaryIDs...),
		PayloadJSON: string(raw),
	}, nil
}

// MergeFields applies the null-fallback policy: the primary's value wins
// whenever present, and a missing value falls back to the first secondary
// that carries one. Conflicting non-null values are never reconciled.
func MergeFields(primary domain.PropertyRecord, secondaries []domain.PropertyRecord) map[string]any {
	out := make(map[string]any)

	str := func(col string, get func(domain.PropertyRecord) string) {
		if get(primary) != "" {
			return
		}
		for _, s := range secondaries {
			if v := get(s); v != "" {
				out[col] = v
				return
			}
		}
	}
	float := func(col string, get func(domain.PropertyRecord) *float64) {
		if get(primary) != nil {
			return
		}
		for _, s := range secondaries {
			if v := get(s); v != nil {
				out[col] = *v
				return
			}
		}
	}

	str("name", func(p domain.PropertyRecord) string { return p.Name })
	str("street", func(p domain.PropertyRecord) string { return p.Street })
	str("city", func(p domain.PropertyRecord) string { return p.City })
	str("state", func(p domain.PropertyRecord) string { return p.State })
	str("zip", func(p domain.PropertyRecord) string { return p.Zip })
	str("property_type", func(p domain.PropertyRecord) string { return p.PropertyType })
	str("status", func(p domain.PropertyRecord) string { return p.Status })
	str("description", func(p domain.PropertyRecord) string { return p.Description })
	str("source_broker_id", func(p domain.PropertyRecord) string { return p.SourceBrokerID })
	str("brokerage_id", func(p domain.PropertyRecord) string { return p.BrokerageID })
	float("price", func(p domain.PropertyRecord) *float64 { return p.Price })
	float("square_feet", func(p domain.PropertyRecord) *float64 { return p.SquareFeet })
	float("cap_rate", func(p domain.PropertyRecord) *float64 { return p.CapRate })
	float("price_per_unit", func(p domain.PropertyRecord) *float64 { return p.PricePerUnit })

	if primary.Units == nil {
		for _, s := range secondaries {
			if s.Units != nil {
				out["units"] = *s.Units
				break
			}
		}
	}
	if primary.YearBuilt == nil {
		for _, s := range secondaries {
			if s.YearBuilt != nil {
				out["year_built"] = *s.YearBuilt
				break
			}
		}
	}

	return out
}

func unionBrokerIDs(primary domain.PropertyRecord, secondaries []domain.PropertyRecord) []string {
	seen := make(map[string]struct{})
	for _, p := range append([]domain.PropertyRecord{primary}, secondaries...) {
		if p.SourceBrokerID != "" {
			seen[p.SourceBrokerID] = struct{}{}
		}
	}
	if len(seen) == 0 {
		return nil
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func flagRules(c domain.ReviewCandidate) []string {
	var details struct {
		Issues []domain.ValidationIssue `json:"issues"`
	}
	if err := json.Unmarshal([]byte(c.DetailsJSON), &details); err != nil {
		return nil
	}
	var rules []string
	seen := make(map[string]struct{})
	for _, is := range details.Issues {
		if is.Severity != domain.SeverityError {
			continue
		}
		if _, ok := seen[is.Rule]; ok {
			continue
		}
		seen[is.Rule] = struct{}{}
		rules = append(rules, is.Rule)
	}
	return rules
}
