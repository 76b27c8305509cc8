package validate

import (
	"testing"
	"time"

	"listkeeper/internal/config"
	"listkeeper/internal/domain"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v := New(config.Default("catalog-1"))
	v.Now = func() time.Time { return time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC) }
	return v
}

func fptr(f float64) *float64 { return &f }
func iptr(i int) *int         { return &i }

func validProperty() domain.PropertyRecord {
	return domain.PropertyRecord{
		ID:           "prop-1",
		Name:         "Oak Ridge Apartments",
		Street:       "400 oak street",
		City:         "austin",
		State:        "TX",
		PropertyType: "multifamily",
		Status:       "active",
		Price:        fptr(2_000_000),
		Units:        iptr(40),
		PricePerUnit: fptr(50_000),
		YearBuilt:    iptr(1998),
		CapRate:      fptr(6.2),
	}
}

func TestValidateCleanProperty(t *testing.T) {
	v := newTestValidator(t)
	issues := v.Validate(validProperty(), nil)
	if len(issues) != 0 {
		t.Fatalf("expected no issues, got %+v", issues)
	}
}

func TestValidateRules(t *testing.T) {
	v := newTestValidator(t)

	cases := []struct {
		name     string
		mutate   func(*domain.PropertyRecord)
		unmapped []string
		rule     string
		severity domain.Severity
	}{
		{"missing name", func(p *domain.PropertyRecord) { p.Name = "" }, nil, "name_missing", domain.SeverityError},
		{"missing street", func(p *domain.PropertyRecord) { p.Street = "" }, nil, "address_missing", domain.SeverityError},
		{"missing city", func(p *domain.PropertyRecord) { p.City = "" }, nil, "address_missing", domain.SeverityError},
		{"zero price", func(p *domain.PropertyRecord) { p.Price = fptr(0); p.PricePerUnit = nil }, nil, "price_not_positive", domain.SeverityError},
		{"negative units", func(p *domain.PropertyRecord) { p.Units = iptr(-3); p.PricePerUnit = nil }, nil, "units_not_positive", domain.SeverityError},
		{"ancient year", func(p *domain.PropertyRecord) { p.YearBuilt = iptr(1600) }, nil, "year_built_range", domain.SeverityError},
		{"future year", func(p *domain.PropertyRecord) { p.YearBuilt = iptr(2030) }, nil, "year_built_range", domain.SeverityError},
		{"cap rate too high", func(p *domain.PropertyRecord) { p.CapRate = fptr(150) }, nil, "cap_rate_range", domain.SeverityError},
		{"malformed broker", func(p *domain.PropertyRecord) { p.SourceBrokerID = "not a broker!" }, nil, "broker_ref_malformed", domain.SeverityWarning},
		{"unmapped type", nil, []string{"property_type"}, "type_unrecognized", domain.SeverityWarning},
		{"unmapped status", nil, []string{"status"}, "status_unrecognized", domain.SeverityWarning},
		{"ppu mismatch", func(p *domain.PropertyRecord) { p.PricePerUnit = fptr(90_000) }, nil, "price_per_unit_mismatch", domain.SeverityWarning},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := validProperty()
			if tc.mutate != nil {
				tc.mutate(&p)
			}
			issues := v.Validate(p, tc.unmapped)
			found := false
			for _, is := range issues {
				if is.Rule == tc.rule {
					found = true
					if is.Severity != tc.severity {
						t.Fatalf("rule %s severity = %s, want %s", tc.rule, is.Severity, tc.severity)
					}
					if is.PropertyID != p.ID {
						t.Fatalf("issue property id = %s, want %s", is.PropertyID, p.ID)
					}
				}
			}
			if !found {
				t.Fatalf("expected rule %s in %+v", tc.rule, issues)
			}
		})
	}
}

func TestValidateYearBoundsFollowClock(t *testing.T) {
	v := newTestValidator(t)
	p := validProperty()
	p.YearBuilt = iptr(2027)
	if issues := v.Validate(p, nil); len(issues) != 0 {
		t.Fatalf("year 2027 should be allowed in 2025, got %+v", issues)
	}
	p.YearBuilt = iptr(2028)
	if issues := v.Validate(p, nil); len(issues) != 1 {
		t.Fatalf("year 2028 should be rejected in 2025, got %+v", issues)
	}
}

func TestValidatePricePerUnitWithinTolerance(t *testing.T) {
	v := newTestValidator(t)
	p := validProperty()
	p.PricePerUnit = fptr(51_500)
	if issues := v.Validate(p, nil); len(issues) != 0 {
		t.Fatalf("3%% deviation should pass, got %+v", issues)
	}
}

func TestValidateNilNumericsSkipRules(t *testing.T) {
	v := newTestValidator(t)
	p := validProperty()
	p.Price = nil
	p.Units = nil
	p.PricePerUnit = nil
	p.YearBuilt = nil
	p.CapRate = nil
	if issues := v.Validate(p, nil); len(issues) != 0 {
		t.Fatalf("nil numerics must not trip rules, got %+v", issues)
	}
}

func TestHasError(t *testing.T) {
	if HasError([]domain.ValidationIssue{{Severity: domain.SeverityWarning}}) {
		t.Fatal("warnings alone must not count as errors")
	}
	if !HasError([]domain.ValidationIssue{{Severity: domain.SeverityWarning}, {Severity: domain.SeverityError}}) {
		t.Fatal("expected error severity to be detected")
	}
}
