// Package normalize maps raw IQM2 labels onto the canonical resolution schema.
package normalize

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/extract"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// Pattern prefixes accepted in Rule.Fuzzy.
const (
	PatternContains = "contains:"
	PatternPrefix   = "prefix:"
)

// Rule lists the label variants bound to one canonical attribute. Aliases are
// matched exactly after label folding; Fuzzy patterns are only consulted when no
// rule in the table claims the label exactly.
type Rule struct {
	Attribute resolution.Attribute
	Aliases   []string
	Fuzzy     []string
}

// Table is an ordered set of rules. Earlier rules win fuzzy ties.
type Table []Rule

// DefaultTable covers the label variants observed across IQM2 instances.
func DefaultTable() Table {
	return Table{
		{Attribute: resolution.AttrNumber, Aliases: []string{
			"number", "resolution number", "resolution no.", "res. no.", "file number", "legislation number", "legifile number",
		}},
		{Attribute: resolution.AttrType, Aliases: []string{
			"type", "file type", "legislation type", "resolution type", "legifile type",
		}},
		{Attribute: resolution.AttrTitle, Aliases: []string{
			"title", "resolution title", "legislation title", "legifile title", "subject",
		}},
		{Attribute: resolution.AttrDepartment, Aliases: []string{
			"department", "dept", "dept.", "originating department", "submitting department",
		}, Fuzzy: []string{"prefix:department", "contains: department"}},
		{Attribute: resolution.AttrCategory, Aliases: []string{
			"category", "categories",
		}, Fuzzy: []string{"prefix:categor"}},
		{Attribute: resolution.AttrStatus, Aliases: []string{
			"status", "current status", "resolution status", "legislation status",
		}, Fuzzy: []string{"contains:status"}},
		{Attribute: resolution.AttrSponsors, Aliases: []string{
			"sponsors", "sponsor", "sponsored by", "introduced by", "co-sponsors",
		}, Fuzzy: []string{"prefix:sponsor", "contains:sponsor"}},
		{Attribute: resolution.AttrFunctions, Aliases: []string{
			"functions", "function",
		}},
		{Attribute: resolution.AttrMeetingDate, Aliases: []string{
			"meeting date", "date", "agenda date", "hearing date",
		}, Fuzzy: []string{"contains:meeting date"}},
		{Attribute: resolution.AttrAttachments, Aliases: []string{
			"attachments", "attachment", "documents", "supporting documents",
		}},
		{Attribute: resolution.AttrBody, Aliases: []string{
			"body", "resolution body", "text", "resolution text",
		}},
	}
}

// WithOverrides returns a copy of t with extra aliases and fuzzy patterns appended
// per attribute. Attributes without a rule get a new one at the end of the table.
func (t Table) WithOverrides(aliases, fuzzy map[string][]string) (Table, error) {
	out := make(Table, len(t))
	for i, r := range t {
		out[i] = Rule{
			Attribute: r.Attribute,
			Aliases:   append([]string(nil), r.Aliases...),
			Fuzzy:     append([]string(nil), r.Fuzzy...),
		}
	}
	index := func(name string) (int, error) {
		attr, ok := resolution.ParseAttribute(name)
		if !ok || attr == resolution.AttrMeetings || attr == resolution.AttrCustom {
			return 0, fmt.Errorf("unknown attribute %q", name)
		}
		for i := range out {
			if out[i].Attribute == attr {
				return i, nil
			}
		}
		out = append(out, Rule{Attribute: attr})
		return len(out) - 1, nil
	}
	for _, name := range sortedKeys(aliases) {
		i, err := index(name)
		if err != nil {
			return nil, fmt.Errorf("alias override: %w", err)
		}
		out[i].Aliases = append(out[i].Aliases, aliases[name]...)
	}
	for _, name := range sortedKeys(fuzzy) {
		i, err := index(name)
		if err != nil {
			return nil, fmt.Errorf("fuzzy override: %w", err)
		}
		out[i].Fuzzy = append(out[i].Fuzzy, fuzzy[name]...)
	}
	return out, nil
}

type pattern struct {
	attr   resolution.Attribute
	prefix bool
	needle string
}

func (p pattern) matches(key string) bool {
	if p.prefix {
		return strings.HasPrefix(key, p.needle)
	}
	return strings.Contains(key, p.needle)
}

// matcher is the compiled form of a Table.
type matcher struct {
	exact map[string]resolution.Attribute
	fuzzy []pattern
}

func compile(t Table) (matcher, error) {
	m := matcher{exact: make(map[string]resolution.Attribute)}
	for _, r := range t {
		for _, alias := range r.Aliases {
			key, _ := extract.NormalizeLabel(alias)
			if key == "" {
				continue
			}
			if prev, dup := m.exact[key]; dup && prev != r.Attribute {
				return matcher{}, fmt.Errorf("alias %q bound to both %s and %s", key, prev, r.Attribute)
			}
			m.exact[key] = r.Attribute
		}
		for _, raw := range r.Fuzzy {
			p, err := parsePattern(r.Attribute, raw)
			if err != nil {
				return matcher{}, err
			}
			m.fuzzy = append(m.fuzzy, p)
		}
	}
	return m, nil
}

func parsePattern(attr resolution.Attribute, raw string) (pattern, error) {
	var p pattern
	switch {
	case strings.HasPrefix(raw, PatternContains):
		p = pattern{attr: attr, needle: strings.TrimPrefix(raw, PatternContains)}
	case strings.HasPrefix(raw, PatternPrefix):
		p = pattern{attr: attr, prefix: true, needle: strings.TrimPrefix(raw, PatternPrefix)}
	default:
		return pattern{}, fmt.Errorf("fuzzy pattern %q for %s: want %q or %q prefix", raw, attr, PatternContains, PatternPrefix)
	}
	p.needle = strings.ToLower(p.needle)
	if strings.TrimSpace(p.needle) == "" {
		return pattern{}, fmt.Errorf("fuzzy pattern %q for %s is empty", raw, attr)
	}
	return p, nil
}

// match binds a folded label to at most one attribute.
func (m matcher) match(key string) (resolution.Attribute, bool) {
	if attr, ok := m.exact[key]; ok {
		return attr, true
	}
	for _, p := range m.fuzzy {
		if p.matches(key) {
			return p.attr, true
		}
	}
	return "", false
}

func sortedKeys(m map[string][]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
