// Package plans loads the plan catalog: seat bands and per-member monthly
// limits for each organization plan.
package plans

import (
	"fmt"
	"os"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/savistas/orgseats/pkg/usage"
)

// Plan is one organization plan.
type Plan struct {
	ID   string `yaml:"id" json:"id"`
	Name string `yaml:"name" json:"name"`
	// MinSeats and MaxSeats bound the seat counts this plan is sold for.
	// MaxSeats zero means no upper bound.
	MinSeats          int   `yaml:"min_seats" json:"min_seats"`
	MaxSeats          int   `yaml:"max_seats" json:"max_seats"`
	PricePerSeatCents int64 `yaml:"price_per_seat_cents" json:"price_per_seat_cents"`
	// Limits are monthly per-member limits. Kinds listed in Unlimited have
	// no limit.
	Limits    map[usage.ResourceKind]int64 `yaml:"limits" json:"limits"`
	Unlimited []usage.ResourceKind         `yaml:"unlimited" json:"unlimited"`
}

// Fits reports whether seats falls in the plan's band.
func (p *Plan) Fits(seats int) bool {
	return seats >= p.MinSeats && (p.MaxSeats == 0 || seats <= p.MaxSeats)
}

// Limit returns the monthly limit for kind. known is false when the plan does
// not meter kind.
func (p *Plan) Limit(kind usage.ResourceKind) (limit *int64, known bool) {
	for _, k := range p.Unlimited {
		if k == kind {
			return nil, true
		}
	}
	if v, ok := p.Limits[kind]; ok {
		return &v, true
	}
	return nil, false
}

type catalogFile struct {
	Plans []*Plan `yaml:"plans"`
}

// Catalog is the set of plans, safe for concurrent use and hot reload.
type Catalog struct {
	mu    sync.RWMutex
	path  string
	plans map[string]*Plan
	bands []*Plan
}

// Load reads the catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML. The result cannot be reloaded.
func Parse(data []byte) (*Catalog, error) {
	c := &Catalog{}
	if err := c.apply(data); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file. On error the previous plans stay active.
func (c *Catalog) Reload() error {
	if c.path == "" {
		return fmt.Errorf("catalog has no backing file")
	}
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read plan catalog: %w", err)
	}
	return c.apply(data)
}

func (c *Catalog) apply(data []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse plan catalog: %w", err)
	}
	if err := validate(file.Plans); err != nil {
		return err
	}

	byID := make(map[string]*Plan, len(file.Plans))
	for _, p := range file.Plans {
		byID[p.ID] = p
	}
	bands := append([]*Plan(nil), file.Plans...)
	sort.Slice(bands, func(i, j int) bool { return bands[i].MinSeats < bands[j].MinSeats })

	c.mu.Lock()
	c.plans = byID
	c.bands = bands
	c.mu.Unlock()
	return nil
}

func validate(plans []*Plan) error {
	if len(plans) == 0 {
		return fmt.Errorf("plan catalog is empty")
	}
	seen := make(map[string]bool, len(plans))
	for _, p := range plans {
		if p.ID == "" {
			return fmt.Errorf("plan without id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate plan %q", p.ID)
		}
		seen[p.ID] = true
		if p.MinSeats < 1 {
			return fmt.Errorf("plan %q: min_seats must be at least 1", p.ID)
		}
		if p.MaxSeats != 0 && p.MaxSeats < p.MinSeats {
			return fmt.Errorf("plan %q: max_seats below min_seats", p.ID)
		}
		for kind, limit := range p.Limits {
			if !kind.Valid() {
				return fmt.Errorf("plan %q: unknown resource %q", p.ID, kind)
			}
			if limit < 0 {
				return fmt.Errorf("plan %q: negative limit for %q", p.ID, kind)
			}
		}
		for _, kind := range p.Unlimited {
			if !kind.Valid() {
				return fmt.Errorf("plan %q: unknown resource %q", p.ID, kind)
			}
		}
	}
	return nil
}

// Plan returns the plan with id.
func (c *Catalog) Plan(id string) (*Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.plans[id]
	return p, ok
}

// Plans returns every plan ordered by seat band.
func (c *Catalog) Plans() []*Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]*Plan(nil), c.bands...)
}

// PlanForSeats returns the plan whose band contains seats.
func (c *Catalog) PlanForSeats(seats int) (*Plan, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, p := range c.bands {
		if p.Fits(seats) {
			return p, true
		}
	}
	return nil, false
}

// MonthlyLimit implements usage.Limits.
func (c *Catalog) MonthlyLimit(planID string, kind usage.ResourceKind) (*int64, bool) {
	p, ok := c.Plan(planID)
	if !ok {
		return nil, false
	}
	return p.Limit(kind)
}
