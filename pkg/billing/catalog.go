package billing

import (
	"fmt"
	"io"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Plan is a catalog entry. Limits are carried for consumers; this module
// does not compute entitlements from them.
type Plan struct {
	ID       string         `yaml:"id" json:"id"`
	Name     string         `yaml:"name" json:"name"`
	PriceIDs []string       `yaml:"prices" json:"prices"`
	Limits   map[string]int `yaml:"limits" json:"limits,omitempty"`
}

// PlanCatalog resolves plans and their provider prices.
type PlanCatalog interface {
	// Plan returns the plan with the given id.
	Plan(id string) (Plan, bool)
	// PlanForPrice returns the id of the plan that owns a provider price.
	PlanForPrice(priceID string) (string, bool)
}

// StaticCatalog is an immutable in-memory PlanCatalog.
type StaticCatalog struct {
	plans   map[string]Plan
	byPrice map[string]string
}

// NewStaticCatalog builds a catalog. A price may belong to one plan only.
func NewStaticCatalog(plans ...Plan) (*StaticCatalog, error) {
	c := &StaticCatalog{
		plans:   make(map[string]Plan, len(plans)),
		byPrice: make(map[string]string),
	}
	for _, p := range plans {
		if p.ID == "" {
			return nil, fmt.Errorf("%w: plan without id", ErrPlanNotConfigured)
		}
		if _, dup := c.plans[p.ID]; dup {
			return nil, fmt.Errorf("duplicate plan %q", p.ID)
		}
		for _, price := range p.PriceIDs {
			if owner, dup := c.byPrice[price]; dup {
				return nil, fmt.Errorf("price %q used by plans %q and %q", price, owner, p.ID)
			}
			c.byPrice[price] = p.ID
		}
		c.plans[p.ID] = p
	}
	return c, nil
}

type catalogFile struct {
	Plans []Plan `yaml:"plans"`
}

// LoadCatalog reads a catalog in YAML form:
//
//	plans:
//	  - id: pro
//	    prices: [price_pro_monthly, price_pro_yearly]
//	    limits: {funnels: 20}
func LoadCatalog(r io.Reader) (*StaticCatalog, error) {
	var f catalogFile
	if err := yaml.NewDecoder(r).Decode(&f); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to decode plan catalog: %w", err)
	}
	return NewStaticCatalog(f.Plans...)
}

// LoadCatalogFile reads a YAML catalog from path.
func LoadCatalogFile(path string) (*StaticCatalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open plan catalog: %w", err)
	}
	defer f.Close()
	return LoadCatalog(f)
}

func (c *StaticCatalog) Plan(id string) (Plan, bool) {
	p, ok := c.plans[id]
	return p, ok
}

func (c *StaticCatalog) PlanForPrice(priceID string) (string, bool) {
	id, ok := c.byPrice[priceID]
	return id, ok
}

// DefaultPrice returns the first price of a plan, used when creating checkouts.
func (c *StaticCatalog) DefaultPrice(planID string) (string, bool) {
	p, ok := c.plans[planID]
	if !ok || len(p.PriceIDs) == 0 {
		return "", false
	}
	return p.PriceIDs[0], true
}

// Plans returns all plans sorted by id.
func (c *StaticCatalog) Plans() []Plan {
	out := make([]Plan, 0, len(c.plans))
	for _, p := range c.plans {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
