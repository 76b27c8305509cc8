package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models listkeeper.yml. It is passed explicitly into every component
// at construction so concurrent runs with different thresholds never share
// state.
type Config struct {
	Catalog struct {
		ID string `yaml:"id"`
	} `yaml:"catalog"`
	Vocabulary struct {
		PropertyTypes map[string]string `yaml:"property_types"` // alias -> canonical
		Statuses      map[string]string `yaml:"statuses"`
	} `yaml:"vocabulary"`
	Validator struct {
		YearBuiltMin          int     `yaml:"year_built_min"`
		PricePerUnitTolerance float64 `yaml:"price_per_unit_tolerance"`
		RequireAddress        bool    `yaml:"require_address"`
		BrokerIDPattern       string  `yaml:"broker_id_pattern"`
		CapRateMax            float64 `yaml:"cap_rate_max"`
	} `yaml:"validator"`
	Detector struct {
		NameTokens      []string  `yaml:"name_tokens"`
		SentinelPrices  []float64 `yaml:"sentinel_prices"`
		SentinelUnits   []int     `yaml:"sentinel_units"`
		AddressPatterns []string  `yaml:"address_patterns"`
	} `yaml:"detector"`
	Matcher struct {
		SimilarityThreshold float64 `yaml:"similarity_threshold"`
		AddressWeight       float64 `yaml:"address_weight"`
		NameWeight          float64 `yaml:"name_weight"`
		NumericWeight       float64 `yaml:"numeric_weight"`
		BrokerBonus         float64 `yaml:"broker_bonus"`
		UnitBucketSize      int     `yaml:"unit_bucket_size"`
		BucketWorkers       int     `yaml:"bucket_workers"`
	} `yaml:"matcher"`
	Executor struct {
		MaxAttempts    int `yaml:"max_attempts"`
		BaseDelayMs    int `yaml:"base_delay_ms"`
		TimeoutSeconds int `yaml:"timeout_seconds"`
	} `yaml:"executor"`
	AutoApply struct {
		Enabled    bool `yaml:"enabled"`
		MaxDeletes int  `yaml:"max_deletes"`
	} `yaml:"auto_apply"`
}

// Validate fails fast on configuration errors; a bad threshold would
// otherwise silently produce wrong groupings.
func (c *Config) Validate() error {
	if c.Catalog.ID == "" {
		return fmt.Errorf("config.catalog.id is required")
	}
	m := c.Matcher
	if m.SimilarityThreshold <= 0 || m.SimilarityThreshold > 1 {
		return fmt.Errorf("matcher.similarity_threshold must be in (0,1], got %v", m.SimilarityThreshold)
	}
	weightSum := m.AddressWeight + m.NameWeight + m.NumericWeight
	if weightSum < 0.99 || weightSum > 1.01 {
		return fmt.Errorf("matcher weights must sum to 1, got %v", weightSum)
	}
	if m.AddressWeight < 0 || m.NameWeight < 0 || m.NumericWeight < 0 {
		return fmt.Errorf("matcher weights must be non-negative")
	}
	if m.BrokerBonus < 0 || m.BrokerBonus > 0.2 {
		return fmt.Errorf("matcher.broker_bonus must be in [0,0.2], got %v", m.BrokerBonus)
	}
	if m.UnitBucketSize <= 0 {
		return fmt.Errorf("matcher.unit_bucket_size must be positive")
	}
	if m.BucketWorkers <= 0 {
		return fmt.Errorf("matcher.bucket_workers must be positive")
	}
	if len(c.Vocabulary.PropertyTypes) == 0 {
		return fmt.Errorf("vocabulary.property_types is required")
	}
	if len(c.Vocabulary.Statuses) == 0 {
		return fmt.Errorf("vocabulary.statuses is required")
	}
	for alias, canonical := range c.Vocabulary.PropertyTypes {
		if alias == "" || canonical == "" {
			return fmt.Errorf("vocabulary.property_types contains empty entry")
		}
	}
	v := c.Validator
	if v.YearBuiltMin < 1000 {
		return fmt.Errorf("validator.year_built_min implausible: %d", v.YearBuiltMin)
	}
	if v.PricePerUnitTolerance <= 0 || v.PricePerUnitTolerance >= 1 {
		return fmt.Errorf("validator.price_per_unit_tolerance must be in (0,1)")
	}
	if v.CapRateMax <= 0 {
		return fmt.Errorf("validator.cap_rate_max must be positive")
	}
	if len(c.Detector.NameTokens) == 0 {
		return fmt.Errorf("detector.name_tokens is required")
	}
	if c.Executor.MaxAttempts <= 0 {
		return fmt.Errorf("executor.max_attempts must be positive")
	}
	if c.Executor.BaseDelayMs < 0 {
		return fmt.Errorf("executor.base_delay_ms must be non-negative")
	}
	if c.AutoApply.Enabled && c.AutoApply.MaxDeletes <= 0 {
		return fmt.Errorf("auto_apply.max_deletes must be positive when auto_apply is enabled")
	}
	return nil
}

// CanonicalType maps a normalized alias to the controlled property type
// vocabulary; ok=false means pass-through.
func (c *Config) CanonicalType(alias string) (string, bool) {
	v, ok := c.Vocabulary.PropertyTypes[alias]
	return v, ok
}

// CanonicalStatus maps a normalized alias to the controlled status
// vocabulary.
func (c *Config) CanonicalStatus(alias string) (string, bool) {
	v, ok := c.Vocabulary.Statuses[alias]
	return v, ok
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "listkeeper.yml")
}

// Load reads and validates config from the workspace.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with lk config init", Path(workspace))
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// GenerateDefault returns default config YAML for a catalog.
func GenerateDefault(catalogID string) string {
	return fmt.Sprintf(defaultTemplate, catalogID)
}

// Default returns the default Config struct for a catalog.
func Default(catalogID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, catalogID))).Decode(&cfg)
	return &cfg
}

const defaultTemplate = `catalog:
  id: %s

vocabulary:
  property_types:
    multifamily: multifamily
    multi-family: multifamily
    multi family: multifamily
    apartment: multifamily
    apartments: multifamily
    apartment complex: multifamily
    mixed use: mixed_use
    mixed-use: mixed_use
    mixed_use: mixed_use
    student housing: student_housing
    student_housing: student_housing
    senior housing: senior_housing
    senior living: senior_housing
    senior_housing: senior_housing
    office: office
    retail: retail
    industrial: industrial
    warehouse: industrial
    land: land
    vacant land: land
    other: other
  statuses:
    active: active
    for sale: active
    available: active
    listed: active
    under contract: under_contract
    under_contract: under_contract
    in contract: under_contract
    pending: pending
    sale pending: pending
    sold: sold
    closed: sold
    off market: off_market
    off-market: off_market
    off_market: off_market
    withdrawn: off_market

validator:
  year_built_min: 1800
  price_per_unit_tolerance: 0.05
  require_address: true
  broker_id_pattern: "^[A-Za-z0-9_-]+$"
  cap_rate_max: 100

detector:
  name_tokens: [test, sample, demo, example, dummy, placeholder, fake, donotuse]
  sentinel_prices: [1]
  sentinel_units: [0, 999]
  address_patterns: ["123 main", "1234 test", "example", "placeholder"]

matcher:
  similarity_threshold: 0.85
  address_weight: 0.5
  name_weight: 0.3
  numeric_weight: 0.2
  broker_bonus: 0.05
  unit_bucket_size: 10
  bucket_workers: 4

executor:
  max_attempts: 3
  base_delay_ms: 200
  timeout_seconds: 10

auto_apply:
  enabled: false
  max_deletes: 20
`
