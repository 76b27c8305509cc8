package detect

import (
	"fmt"
	"strings"

	"listkeeper/internal/config"
	"listkeeper/internal/domain"
)

// Finding is the result of inspecting one property for test-data markers.
// HighConfidence is only set when both a denylisted name token and a
// sentinel price match, which is the bar for unattended deletion.
type Finding struct {
	IsTest         bool     `json:"is_test"`
	HighConfidence bool     `json:"high_confidence"`
	Reasons        []string `json:"reasons,omitempty"`
}

// Detector flags properties that look like seeded or test data. Any single
// heuristic firing marks the property; the heuristics are independent.
type Detector struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Detector {
	return &Detector{cfg: cfg}
}

func (d *Detector) Inspect(p domain.PropertyRecord) Finding {
	var f Finding
	nameHit := false
	priceHit := false

	name := strings.ToLower(p.Name)
	for _, tok := range d.cfg.Detector.NameTokens {
		if tok != "" && strings.Contains(name, strings.ToLower(tok)) {
			nameHit = true
			f.Reasons = append(f.Reasons, fmt.Sprintf("name contains denylisted token %q", tok))
			break
		}
	}
	if p.Price != nil {
		for _, sp := range d.cfg.Detector.SentinelPrices {
			if *p.Price == sp {
				priceHit = true
				f.Reasons = append(f.Reasons, fmt.Sprintf("price equals sentinel value %v", sp))
				break
			}
		}
	}
	if p.Units != nil {
		for _, su := range d.cfg.Detector.SentinelUnits {
			if *p.Units == su {
				f.Reasons = append(f.Reasons, fmt.Sprintf("units equals sentinel value %d", su))
				break
			}
		}
	}
	street := strings.ToLower(p.Street)
	for _, pat := range d.cfg.Detector.AddressPatterns {
		if pat != "" && strings.Contains(street, strings.ToLower(pat)) {
			f.Reasons = append(f.Reasons, fmt.Sprintf("address matches test pattern %q", pat))
			break
		}
	}

	f.IsTest = len(f.Reasons) > 0
	f.HighConfidence = nameHit && priceHit
	return f
}
