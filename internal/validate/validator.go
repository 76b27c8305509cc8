package validate

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"listkeeper/internal/config"
	"listkeeper/internal/domain"
)

// Validator checks standardized properties against field-level rules. It
// never mutates and never fails a run; every finding becomes an issue.
type Validator struct {
	cfg      *config.Config
	brokerRe *regexp.Regexp
	Now      func() time.Time
}

func New(cfg *config.Config) *Validator {
	v := &Validator{cfg: cfg, Now: time.Now}
	if cfg.Validator.BrokerIDPattern != "" {
		// Pattern validity is part of config validation; a broken pattern
		// here degrades to skipping the referential rule.
		v.brokerRe, _ = regexp.Compile(cfg.Validator.BrokerIDPattern)
	}
	return v
}

// Validate returns the ordered issue list for one property. The unmapped
// fields reported by the standardizer surface here as warnings.
func (v *Validator) Validate(p domain.PropertyRecord, unmapped []string) []domain.ValidationIssue {
	var issues []domain.ValidationIssue
	add := func(field, rule string, sev domain.Severity, msg string) {
		issues = append(issues, domain.ValidationIssue{
			PropertyID: p.ID,
			Field:      field,
			Rule:       rule,
			Severity:   sev,
			Message:    msg,
		})
	}

	if p.Name == "" {
		add("name", "name_missing", domain.SeverityError, "property has no name")
	}
	if v.cfg.Validator.RequireAddress && (p.Street == "" || p.City == "") {
		add("address", "address_missing", domain.SeverityError, "street and city are required")
	}
	if p.Price != nil && *p.Price <= 0 {
		add("price", "price_not_positive", domain.SeverityError, fmt.Sprintf("price must be positive, got %v", *p.Price))
	}
	if p.Units != nil && *p.Units <= 0 {
		add("units", "units_not_positive", domain.SeverityError, fmt.Sprintf("units must be positive, got %d", *p.Units))
	}
	if p.YearBuilt != nil {
		maxYear := v.Now().UTC().Year() + 2
		if *p.YearBuilt < v.cfg.Validator.YearBuiltMin || *p.YearBuilt > maxYear {
			add("year_built", "year_built_range", domain.SeverityError,
				fmt.Sprintf("year built %d outside [%d,%d]", *p.YearBuilt, v.cfg.Validator.YearBuiltMin, maxYear))
		}
	}
	if p.CapRate != nil && (*p.CapRate < 0 || *p.CapRate > v.cfg.Validator.CapRateMax) {
		add("cap_rate", "cap_rate_range", domain.SeverityError,
			fmt.Sprintf("cap rate %v outside [0,%v]", *p.CapRate, v.cfg.Validator.CapRateMax))
	}
	if v.brokerRe != nil {
		if p.SourceBrokerID != "" && !v.brokerRe.MatchString(p.SourceBrokerID) {
			add("source_broker_id", "broker_ref_malformed", domain.SeverityWarning,
				fmt.Sprintf("broker id %q is malformed", p.SourceBrokerID))
		}
		if p.BrokerageID != "" && !v.brokerRe.MatchString(p.BrokerageID) {
			add("brokerage_id", "broker_ref_malformed", domain.SeverityWarning,
				fmt.Sprintf("brokerage id %q is malformed", p.BrokerageID))
		}
	}
	for _, field := range unmapped {
		switch field {
		case "property_type":
			add("property_type", "type_unrecognized", domain.SeverityWarning,
				fmt.Sprintf("property type %q not in controlled vocabulary", p.PropertyType))
		case "status":
			add("status", "status_unrecognized", domain.SeverityWarning,
				fmt.Sprintf("status %q not in controlled vocabulary", p.Status))
		}
	}
	if p.PricePerUnit != nil && p.Price != nil && p.Units != nil && *p.Units > 0 && *p.Price > 0 {
		expected := *p.Price / float64(*p.Units)
		if math.Abs(*p.PricePerUnit-expected) > expected*v.cfg.Validator.PricePerUnitTolerance {
			add("price_per_unit", "price_per_unit_mismatch", domain.SeverityWarning,
				fmt.Sprintf("price per unit %v disagrees with price/units = %.2f", *p.PricePerUnit, expected))
		}
	}
	return issues
}

// HasError reports whether any issue in the list is error severity.
func HasError(issues []domain.ValidationIssue) bool {
	for _, is := range issues {
		if is.Severity == domain.SeverityError {
			return true
		}
	}
	return false
}
