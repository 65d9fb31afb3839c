package coherence

// Rule declares the invalidation set for one entity type: its own namespace
// plus the namespaces whose cached aggregates include this entity.
type Rule struct {
	Own     string
	Cascade []string
}

// Ruleset maps entity type -> invalidation rule. It is plain data, declared
// once at startup; a committed write purges exactly its declared set, never
// a partial one.
type Ruleset map[string]Rule

// Namespaces returns the full purge set for an entity type, own namespace
// first, deduplicated. ok is false when no rule is declared.
func (rs Ruleset) Namespaces(entityType string) ([]string, bool) {
	r, ok := rs[entityType]
	if !ok {
		return nil, false
	}
	out := make([]string, 0, 1+len(r.Cascade))
	seen := make(map[string]struct{}, 1+len(r.Cascade))
	for _, ns := range append([]string{r.Own}, r.Cascade...) {
		if ns == "" {
			continue
		}
		if _, dup := seen[ns]; dup {
			continue
		}
		seen[ns] = struct{}{}
		out = append(out, ns)
	}
	return out, true
}

// DefaultRuleset is the application's cascade map. Anything feeding the
// reports dashboards cascades into "reports", including timesheets, which
// drive project-profitability aggregates.
func DefaultRuleset() Ruleset {
	return Ruleset{
		"lead":      {Own: "leads"},
		"client":    {Own: "clients"},
		"project":   {Own: "projects", Cascade: []string{"reports"}},
		"task":      {Own: "tasks", Cascade: []string{"projects", "reports"}},
		"ticket":    {Own: "tickets", Cascade: []string{"reports"}},
		"invoice":   {Own: "invoices", Cascade: []string{"reports"}},
		"timesheet": {Own: "timesheets", Cascade: []string{"reports"}},
	}
}
