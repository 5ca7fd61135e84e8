// Package extract turns an IQM2 detail page into raw label/value pairs.
package extract

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Link is an anchor found inside a rendered value.
type Link struct {
	Text string
	Href string
}

// RawValue is one value rendered under a label.
type RawValue struct {
	// Label is the label as rendered, for diagnostics.
	Label string
	Text  string
	Links []Link
}

// Blank reports whether the value rendered no text and no links.
func (v RawValue) Blank() bool {
	return v.Text == "" && len(v.Links) == 0
}

// VoteRow is one label/value row of a vote record.
type VoteRow struct {
	Label string
	Value string
}

// RawMeeting is one meeting history entry before coercion.
type RawMeeting struct {
	Group       string
	Type        string
	Date        string
	MeetingHref string
	Votes       []VoteRow
}

func (m RawMeeting) empty() bool {
	return m.Group == "" && m.Type == "" && m.Date == "" && m.MeetingHref == "" && len(m.Votes) == 0
}

// RawFieldMap maps normalized labels to the values rendered under them.
type RawFieldMap struct {
	order    []string
	entries  map[string][]RawValue
	meetings []RawMeeting
}

// NewRawFieldMap returns an empty map.
func NewRawFieldMap() RawFieldMap {
	return RawFieldMap{entries: make(map[string][]RawValue)}
}

// Add records a value under label. Labels that normalize to nothing are dropped.
func (m *RawFieldMap) Add(label string, v RawValue) {
	key, original := NormalizeLabel(label)
	if key == "" {
		return
	}
	if m.entries == nil {
		m.entries = make(map[string][]RawValue)
	}
	if v.Label == "" {
		v.Label = original
	}
	if _, seen := m.entries[key]; !seen {
		m.order = append(m.order, key)
	}
	m.entries[key] = append(m.entries[key], v)
}

// AddMeeting appends a meeting history row.
func (m *RawFieldMap) AddMeeting(meeting RawMeeting) {
	m.meetings = append(m.meetings, meeting)
}

// Labels returns the normalized labels in first-seen order.
func (m RawFieldMap) Labels() []string {
	return append([]string(nil), m.order...)
}

// Values returns the values recorded under a normalized label.
func (m RawFieldMap) Values(key string) []RawValue {
	return m.entries[key]
}

// Has reports whether a normalized label was rendered.
func (m RawFieldMap) Has(key string) bool {
	_, ok := m.entries[key]
	return ok
}

// Meetings returns the raw meeting history rows.
func (m RawFieldMap) Meetings() []RawMeeting {
	return m.meetings
}

// Len returns the number of distinct labels.
func (m RawFieldMap) Len() int {
	return len(m.order)
}

// NormalizeLabel folds a rendered label into its matching key and returns the
// trimmed original-case label alongside it.
func NormalizeLabel(label string) (key string, original string) {
	original = collapseSpace(norm.NFKC.String(label))
	key = strings.TrimSpace(strings.TrimRight(original, ":"))
	return strings.ToLower(key), original
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// cleanBlock keeps paragraph breaks but drops padding the portal renders with
// non-breaking spaces and runs of empty lines.
func cleanBlock(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		line = collapseSpace(line)
		if line == "" {
			if len(out) > 0 {
				blank = true
			}
			continue
		}
		if blank {
			out = append(out, "")
			blank = false
		}
		out = append(out, line)
	}
	return strings.Join(out, "\n")
}
