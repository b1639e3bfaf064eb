package selector

import (
	"context"
	"fmt"

	"github.com/unicitynetwork/unicity-orchestrator-sub000/catalog"
	"github.com/unicitynetwork/unicity-orchestrator-sub000/rules"
)

// CatalogRuleSource is the production RuleSource, backed by catalog.Store's
// persisted symbolic rules. Records are decoded with rules.DecodeRule and
// sorted by priority descending, matching rules.SortByPriorityDesc.
type CatalogRuleSource struct {
	Store catalog.Store
}

// ActiveRules loads and decodes every active rule record.
func (c CatalogRuleSource) ActiveRules(ctx context.Context) ([]rules.Rule, error) {
	records, err := c.Store.ListActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("selector: list active rules: %w", err)
	}
	out := make([]rules.Rule, 0, len(records))
	for _, rec := range records {
		rule, err := rules.DecodeRule(rec.ID, rec.Name, rec.Description, rec.Antecedents, rec.Consequents, rec.Confidence, rec.Priority)
		if err != nil {
			return nil, fmt.Errorf("selector: decode rule %s: %w", rec.ID, err)
		}
		out = append(out, rule)
	}
	rules.SortByPriorityDesc(out)
	return out, nil
}
