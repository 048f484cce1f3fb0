package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/poolkeeper/sbi/engine/pkg/earnings"
	"github.com/poolkeeper/sbi/engine/pkg/eligibility"
	"github.com/poolkeeper/sbi/engine/pkg/metrics"
	"github.com/poolkeeper/sbi/engine/pkg/payout"
	"github.com/poolkeeper/sbi/engine/pkg/reward"
	"github.com/poolkeeper/sbi/engine/pkg/store"
)

const (
	PoolFile = "config.json"
	DocPool  = "config"

	DefaultDistributionFraction = 0.5
)

// Pool is the operator-editable pool configuration. Zero values take defaults.
type Pool struct {
	ExcludedFromSBI      []string       `json:"excluded_from_sbi"`
	MultiplierPolicy     *reward.Policy `json:"multiplier_policy,omitempty"`
	DistributionFraction *float64       `json:"distribution_fraction,omitempty"`
	PayoutUnit           float64        `json:"payout_unit,omitempty"`
	Recipient            string         `json:"recipient,omitempty"`
	WindowTimezone       string         `json:"window_timezone,omitempty"`
	WindowHour           *int           `json:"window_hour,omitempty"`
	EligibilityDays      int            `json:"eligibility_days,omitempty"`
}

// Validate fills defaults and checks ranges.
func (p *Pool) Validate() error {
	if p.MultiplierPolicy == nil {
		policy := reward.DefaultPolicy()
		p.MultiplierPolicy = &policy
	}
	if err := p.MultiplierPolicy.Validate(); err != nil {
		return fmt.Errorf("invalid multiplier_policy: %w", err)
	}
	if p.DistributionFraction == nil {
		f := DefaultDistributionFraction
		p.DistributionFraction = &f
	}
	if f := *p.DistributionFraction; f < 0 || f > 1 {
		return fmt.Errorf("distribution_fraction must be within [0, 1], got %v", f)
	}
	if p.PayoutUnit == 0 {
		p.PayoutUnit = payout.DefaultUnit
	}
	if p.PayoutUnit < 0.001 {
		return fmt.Errorf("payout_unit must be at least 0.001, got %v", p.PayoutUnit)
	}
	if p.Recipient == "" {
		p.Recipient = payout.DefaultRecipient
	}
	if p.WindowTimezone == "" {
		p.WindowTimezone = earnings.DefaultTimezone
	}
	if _, err := time.LoadLocation(p.WindowTimezone); err != nil {
		return fmt.Errorf("invalid window_timezone %q: %w", p.WindowTimezone, err)
	}
	if p.WindowHour == nil {
		h := earnings.DefaultWindowHour
		p.WindowHour = &h
	}
	if h := *p.WindowHour; h < 0 || h > 23 {
		return fmt.Errorf("window_hour must be within [0, 23], got %d", h)
	}
	if p.EligibilityDays == 0 {
		p.EligibilityDays = int(eligibility.DefaultWindow / (24 * time.Hour))
	}
	if p.EligibilityDays < 0 {
		return fmt.Errorf("eligibility_days must not be negative, got %d", p.EligibilityDays)
	}
	return nil
}

// Location returns the earnings window time zone. Validate must have succeeded.
func (p *Pool) Location() *time.Location {
	loc, err := time.LoadLocation(p.WindowTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// EligibilityWindow returns how long stake must be held before it counts.
func (p *Pool) EligibilityWindow() time.Duration {
	return time.Duration(p.EligibilityDays) * 24 * time.Hour
}

// LoadPool reads the pool configuration from path. A missing file yields defaults. A file that
// cannot be parsed is reported to onCorrupt and also yields defaults; a file that parses but
// holds invalid values is an error.
func LoadPool(log *slog.Logger, path string, onCorrupt store.CorruptHandler) (*Pool, error) {
	p := &Pool{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		log.Info("config: no pool config, using defaults", "path", path)
	case err != nil:
		return nil, fmt.Errorf("failed to read pool config: %w", err)
	default:
		if err := json.Unmarshal(data, p); err != nil {
			log.Warn("config: pool config is corrupt, using defaults", "path", path, "error", err)
			metrics.StoreCorruptionsTotal.WithLabelValues(DocPool).Inc()
			if onCorrupt != nil {
				onCorrupt(DocPool, err)
			}
			p = &Pool{}
		}
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// Exclusions merges the persisted exclusion list with runtime overrides.
func Exclusions(lists ...[]string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, list := range lists {
		for _, id := range list {
			id = strings.TrimPrefix(strings.TrimSpace(id), "@")
			if id != "" {
				out[id] = struct{}{}
			}
		}
	}
	return out
}

// SortedKeys returns the members of set in order, for logging.
func SortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
