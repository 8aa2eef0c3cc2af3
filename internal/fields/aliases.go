package fields

import "sort"

// DefaultAliasGroups lists field slugs that different stages use for the same fact.
func DefaultAliasGroups() [][]string {
	return [][]string{
		{"email", "email_address", "contact_email"},
		{"phone", "phone_number", "mobile_phone"},
		{"national_id", "document_number", "tax_id"},
	}
}

// AliasGraph maps every field slug to its canonical group. It is built once when a flow is
// loaded and is read-only afterwards. A nil graph treats every slug as its own group.
type AliasGraph struct {
	group   map[string]int
	members [][]string
}

// NewAliasGraph builds a graph from groups; overlapping groups are merged.
func NewAliasGraph(groups ...[]string) *AliasGraph {
	parent := make(map[string]string)
	var find func(string) string
	find = func(s string) string {
		if parent[s] != s {
			parent[s] = find(parent[s])
		}
		return parent[s]
	}
	for _, g := range groups {
		for _, slug := range g {
			if _, seen := parent[slug]; !seen {
				parent[slug] = slug
			}
		}
		for i := 1; i < len(g); i++ {
			a, b := find(g[0]), find(g[i])
			if a != b {
				parent[b] = a
			}
		}
	}

	byRoot := make(map[string][]string)
	for slug := range parent {
		root := find(slug)
		byRoot[root] = append(byRoot[root], slug)
	}
	roots := make([]string, 0, len(byRoot))
	for root := range byRoot {
		roots = append(roots, root)
	}
	sort.Strings(roots)

	g := &AliasGraph{group: make(map[string]int, len(parent))}
	for i, root := range roots {
		members := byRoot[root]
		sort.Strings(members)
		g.members = append(g.members, members)
		for _, slug := range members {
			g.group[slug] = i
		}
	}
	return g
}

// Aliases returns slug followed by every other member of its group.
func (g *AliasGraph) Aliases(slug string) []string {
	if g == nil {
		return []string{slug}
	}
	idx, found := g.group[slug]
	if !found {
		return []string{slug}
	}
	out := []string{slug}
	for _, m := range g.members[idx] {
		if m != slug {
			out = append(out, m)
		}
	}
	return out
}

// Same reports whether a and b name the same fact.
func (g *AliasGraph) Same(a, b string) bool {
	if a == b {
		return true
	}
	if g == nil {
		return false
	}
	ia, okA := g.group[a]
	ib, okB := g.group[b]
	return okA && okB && ia == ib
}
