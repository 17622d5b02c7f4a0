package plan

import (
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// Catalog is the YAML document accepted by `arkctl seed-plans`.
//
//	plans:
//	  - slug: starter
//	    name: Starter
//	    price_per_server_cents: 900
//	    discount_tiers:
//	      - {min_servers: 5, percent_off: 10}
//	    limits: {max_servers: 10, max_projects: 20, max_databases: 10}
type Catalog struct {
	Plans []PlanInput `yaml:"plans"`
}

// ParseCatalog decodes a plan catalogue. Unknown keys are rejected.
func ParseCatalog(r io.Reader) ([]PlanInput, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var c Catalog
	if err := dec.Decode(&c); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("plan catalogue is empty")
		}
		return nil, fmt.Errorf("decode plan catalogue: %w", err)
	}
	if len(c.Plans) == 0 {
		return nil, errors.New("plan catalogue has no plans")
	}
	seen := make(map[string]struct{}, len(c.Plans))
	for _, p := range c.Plans {
		if _, dup := seen[p.Slug]; dup {
			return nil, fmt.Errorf("plan catalogue repeats slug %q", p.Slug)
		}
		seen[p.Slug] = struct{}{}
	}
	return c.Plans, nil
}
