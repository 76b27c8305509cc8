package domain

// PropertyRecord is a listing as fetched from property storage. The engine
// works on transient copies; nothing here survives between runs.
type PropertyRecord struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Street         string   `json:"street"`
	City           string   `json:"city"`
	State          string   `json:"state"`
	Zip            string   `json:"zip,omitempty"`
	Price          *float64 `json:"price,omitempty"`
	Units          *int     `json:"units,omitempty"`
	YearBuilt      *int     `json:"year_built,omitempty"`
	SquareFeet     *float64 `json:"square_feet,omitempty"`
	CapRate        *float64 `json:"cap_rate,omitempty"`
	PricePerUnit   *float64 `json:"price_per_unit,omitempty"`
	PropertyType   string   `json:"property_type,omitempty"`
	Status         string   `json:"status,omitempty"`
	Description    string   `json:"description,omitempty"`
	SourceBrokerID string   `json:"source_broker_id,omitempty"`
	BrokerageID    string   `json:"brokerage_id,omitempty"`
	FirstSeen      string   `json:"first_seen,omitempty" format:"date-time"`
	LastUpdated    string   `json:"last_updated,omitempty" format:"date-time"`
}

type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// ValidationIssue is one failed rule for one property. Generated fresh each
// run, never persisted.
type ValidationIssue struct {
	PropertyID string   `json:"property_id"`
	Field      string   `json:"field"`
	Rule       string   `json:"rule"`
	Severity   Severity `json:"severity"`
	Message    string   `json:"message"`
}

// PairScore holds the per-edge similarity breakdown retained for audit
// display.
type PairScore struct {
	AID     string  `json:"a_id"`
	BID     string  `json:"b_id"`
	Address float64 `json:"address"`
	Name    float64 `json:"name"`
	Numeric float64 `json:"numeric"`
	Broker  float64 `json:"broker"`
	Total   float64 `json:"total"`
}

// DuplicateGroup is a connected component of candidate duplicate edges.
// Groups are disjoint and always have at least two members.
type DuplicateGroup struct {
	PrimaryID string      `json:"primary_id"`
	MemberIDs []string    `json:"member_ids"`
	Scores    []PairScore `json:"scores"`
}

// SecondaryIDs returns the group members excluding the primary, in member
// order.
func (g DuplicateGroup) SecondaryIDs() []string {
	var out []string
	for _, id := range g.MemberIDs {
		if id != g.PrimaryID {
			out = append(out, id)
		}
	}
	return out
}

type CandidateType string

const (
	CandidateDuplicate CandidateType = "duplicate"
	CandidateTest      CandidateType = "test_property"
	CandidateInvalid   CandidateType = "invalid"
)

type ProposedAction string

const (
	ActionMerge  ProposedAction = "merge"
	ActionDelete ProposedAction = "delete"
	ActionFlag   ProposedAction = "flag"
)

type CandidateStatus string

const (
	StatusPending     CandidateStatus = "pending"
	StatusApproved    CandidateStatus = "approved"
	StatusDisapproved CandidateStatus = "disapproved"
	StatusApplied     CandidateStatus = "applied"
)

// Terminal reports whether a status admits no further transitions.
func (s CandidateStatus) Terminal() bool {
	return s == StatusApplied || s == StatusDisapproved
}

// ReviewCandidate is the unit of human decision-making: one detected issue,
// one proposed catalog change. Status moves pending -> approved -> applied,
// or pending -> disapproved; applied and disapproved are terminal.
type ReviewCandidate struct {
	ReviewID       string          `json:"review_id"`
	RunID          string          `json:"run_id"`
	Type           CandidateType   `json:"type" enum:"duplicate,test_property,invalid"`
	PrimaryID      string          `json:"primary_id"`
	SecondaryIDs   []string        `json:"secondary_ids,omitempty"`
	Reason         string          `json:"reason"`
	DetailsJSON    string          `json:"details_json,omitempty"`
	ProposedAction ProposedAction  `json:"proposed_action" enum:"merge,delete,flag"`
	Status         CandidateStatus `json:"status" enum:"pending,approved,disapproved,applied"`
	Notes          string          `json:"notes,omitempty"`
	CreatedAt      string          `json:"created_at" format:"date-time"`
	ReviewedAt     *string         `json:"reviewed_at,omitempty" format:"date-time"`
	AppliedAt      *string         `json:"applied_at,omitempty" format:"date-time"`
}

// MergePayload carries everything needed to perform and to explain a merge.
type MergePayload struct {
	PrimaryID       string         `json:"primary_id"`
	SecondaryIDs    []string       `json:"secondary_ids"`
	MergedFields    map[string]any `json:"merged_fields"`
	SourceBrokerIDs []string       `json:"source_broker_ids,omitempty"`
}

// DeletePayload records why a property is being removed.
type DeletePayload struct {
	Reason string `json:"reason"`
}

// FlagPayload records the issues written into property metadata.
type FlagPayload struct {
	FlagReason string   `json:"flag_reason"`
	Rules      []string `json:"rules,omitempty"`
}

// PendingAction is the concrete storage-bound instruction derived 1:1 from an
// approved candidate. It is transient and re-derivable at any time.
type PendingAction struct {
	ReviewID    string         `json:"review_id"`
	Operation   ProposedAction `json:"operation"`
	TargetIDs   []string       `json:"target_ids"`
	PayloadJSON string         `json:"payload_json"`
}

// CleaningLog is one append-only audit entry written by the engine.
type CleaningLog struct {
	ID          int64  `json:"id"`
	RunID       string `json:"run_id,omitempty"`
	Type        string `json:"type"`
	PayloadJSON string `json:"payload_json"`
	TS          string `json:"ts" format:"date-time"`
}

// RunSummary is the structured result of a cleaning run. Partial progress
// stays legible even when a stage fails.
type RunSummary struct {
	RunID             string `json:"run_id"`
	Scope             string `json:"scope"`
	Fetched           int    `json:"fetched"`
	Standardized      int    `json:"standardized"`
	UnmappedValues    int    `json:"unmapped_values"`
	IssuesFound       int    `json:"issues_found"`
	InvalidProperties int    `json:"invalid_properties"`
	DuplicateGroups   int    `json:"duplicate_groups"`
	TestProperties    int    `json:"test_properties"`
	CandidatesCreated int    `json:"candidates_created"`
	CandidatesDeduped int    `json:"candidates_deduped"`
	AutoApplied       int    `json:"auto_applied"`
	StartedAt         string `json:"started_at" format:"date-time"`
	FinishedAt        string `json:"finished_at" format:"date-time"`
}

// ExecOutcome is the per-action result of an executor pass.
type ExecOutcome struct {
	ReviewID  string         `json:"review_id"`
	Operation ProposedAction `json:"operation"`
	TargetIDs []string       `json:"target_ids"`
	Applied   bool           `json:"applied"`
	Skipped   bool           `json:"skipped"`
	Reason    string         `json:"reason,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ExecSummary aggregates an executor pass.
type ExecSummary struct {
	Confirmed bool          `json:"confirmed"`
	Applied   int           `json:"applied"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Outcomes  []ExecOutcome `json:"outcomes"`
}
