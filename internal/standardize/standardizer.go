package standardize

import (
	"strings"

	"listkeeper/internal/config"
	"listkeeper/internal/domain"
)

// Standardizer coerces free-text attribute values onto the controlled
// vocabulary. It is a pure transform: unrecognized values pass through
// unchanged and are reported for validator attention, never rejected.
type Standardizer struct {
	cfg *config.Config
}

func New(cfg *config.Config) *Standardizer {
	return &Standardizer{cfg: cfg}
}

// Result is a standardized copy of a record plus the fields whose values had
// no vocabulary mapping.
type Result struct {
	Record   domain.PropertyRecord
	Unmapped []string
}

// Apply returns a standardized copy of p. The input is never mutated.
func (s *Standardizer) Apply(p domain.PropertyRecord) Result {
	out := p
	var unmapped []string

	if key := normalizeKey(p.PropertyType); key != "" {
		if canonical, ok := s.cfg.CanonicalType(key); ok {
			out.PropertyType = canonical
		} else {
			unmapped = append(unmapped, "property_type")
		}
	}
	if key := normalizeKey(p.Status); key != "" {
		if canonical, ok := s.cfg.CanonicalStatus(key); ok {
			out.Status = canonical
		} else {
			unmapped = append(unmapped, "status")
		}
	}
	out.Name = collapseWhitespace(p.Name)
	out.Street = NormalizeAddress(p.Street)
	out.City = collapseWhitespace(p.City)
	out.State = strings.ToUpper(collapseWhitespace(p.State))

	return Result{Record: out, Unmapped: unmapped}
}

// abbreviations expanded during address normalization so "123 Main St Apt 4"
// and "123 Main Street Apartment 4" compare equal downstream.
var abbreviations = map[string]string{
	"st":    "street",
	"str":   "street",
	"ave":   "avenue",
	"av":    "avenue",
	"blvd":  "boulevard",
	"rd":    "road",
	"dr":    "drive",
	"ln":    "lane",
	"ct":    "court",
	"pl":    "place",
	"hwy":   "highway",
	"pkwy":  "parkway",
	"apt":   "apartment",
	"ste":   "suite",
	"n":     "north",
	"s":     "south",
	"e":     "east",
	"w":     "west",
	"ne":    "northeast",
	"nw":    "northwest",
	"se":    "southeast",
	"sw":    "southwest",
	"fl":    "floor",
	"bldg":  "building",
	"mt":    "mount",
	"jct":   "junction",
	"sq":    "square",
	"ter":   "terrace",
	"cir":   "circle",
	"trl":   "trail",
	"xing":  "crossing",
	"cswy":  "causeway",
	"plz":   "plaza",
	"lndg":  "landing",
	"hts":   "heights",
	"gdns":  "gardens",
	"vlg":   "village",
	"ctr":   "center",
	"est":   "estate",
	"mnr":   "manor",
	"frst":  "forest",
	"holw":  "hollow",
	"brk":   "brook",
	"spgs":  "springs",
	"mdws":  "meadows",
	"shrs":  "shores",
	"vis":   "vista",
	"trce":  "trace",
	"expy":  "expressway",
	"frwy":  "freeway",
	"tpke":  "turnpike",
}

// NormalizeAddress lowercases, strips punctuation, collapses whitespace and
// expands common street abbreviations.
func NormalizeAddress(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	for i, f := range fields {
		if full, ok := abbreviations[f]; ok {
			fields[i] = full
		}
	}
	return strings.Join(fields, " ")
}

// normalizeKey produces the vocabulary lookup key: lowercased, trimmed,
// inner whitespace collapsed to single spaces.
func normalizeKey(s string) string {
	return strings.ToLower(collapseWhitespace(s))
}

func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
