package normalize

import (
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/extract"
	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// DefaultDateFormats are the layouts IQM2 renders dates in.
var DefaultDateFormats = []string{
	"Jan 2, 2006 3:04 PM",
	"Jan 2, 2006",
	"January 2, 2006 3:04 PM",
	"January 2, 2006",
	"1/2/2006 3:04 PM",
	"1/2/2006",
	"2006-01-02",
}

// DefaultListSeparators split multi-value attributes.
var DefaultListSeparators = []string{",", ";"}

// Rules is everything the normalizer needs. It is passed in explicitly so that
// alias tables can differ per portal.
type Rules struct {
	Table          Table
	DateFormats    []string
	ListSeparators []string
}

// DefaultRules returns the rules used when configuration overrides nothing.
func DefaultRules() Rules {
	return Rules{
		Table:          DefaultTable(),
		DateFormats:    append([]string(nil), DefaultDateFormats...),
		ListSeparators: append([]string(nil), DefaultListSeparators...),
	}
}

// Normalizer maps a RawFieldMap onto resolution.CanonicalFields.
type Normalizer struct {
	match       matcher
	dateFormats []string
	separators  []string
}

// New compiles rules into a Normalizer.
func New(rules Rules) (*Normalizer, error) {
	m, err := compile(rules.Table)
	if err != nil {
		return nil, fmt.Errorf("compile alias table: %w", err)
	}
	formats := rules.DateFormats
	if len(formats) == 0 {
		formats = DefaultDateFormats
	}
	seps := make([]string, 0, len(rules.ListSeparators))
	for _, s := range rules.ListSeparators {
		if s != "" {
			seps = append(seps, s)
		}
	}
	return &Normalizer{match: m, dateFormats: formats, separators: seps}, nil
}

// Normalize coerces raw values into canonical fields. Missing labels never fail;
// soft problems are reported as diagnostics.
func (n *Normalizer) Normalize(raw extract.RawFieldMap) (resolution.CanonicalFields, []resolution.Diagnostic, error) {
	var fields resolution.CanonicalFields
	if raw.Len() == 0 && len(raw.Meetings()) == 0 {
		return fields, nil, &resolution.NormalizationError{Reason: "document has no labeled fields"}
	}

	bound := make(map[resolution.Attribute][]extract.RawValue)
	for _, key := range raw.Labels() {
		values := raw.Values(key)
		attr, ok := n.match.match(key)
		if !ok {
			fields.Custom = append(fields.Custom, customSections(values)...)
			continue
		}
		bound[attr] = append(bound[attr], values...)
	}

	var diags []resolution.Diagnostic
	text := func(attr resolution.Attribute) resolution.Field[string] {
		f, d := scalar(attr, bound[attr])
		diags = append(diags, d...)
		return f
	}

	fields.Number = text(resolution.AttrNumber)
	fields.Type = text(resolution.AttrType)
	fields.Title = text(resolution.AttrTitle)
	fields.Department = text(resolution.AttrDepartment)
	fields.Category = text(resolution.AttrCategory)
	fields.Status = text(resolution.AttrStatus)
	fields.Sponsors = n.list(bound[resolution.AttrSponsors])
	fields.Functions = n.list(bound[resolution.AttrFunctions])
	fields.Attachments = attachments(bound[resolution.AttrAttachments])
	fields.Body = bodyText(bound[resolution.AttrBody])

	meetings, meetingDiags := n.meetings(raw.Meetings())
	fields.Meetings = meetings

	date, dateDiags := n.meetingDate(bound[resolution.AttrMeetingDate])
	diags = append(diags, dateDiags...)
	if date.State() == resolution.StateAbsent {
		date = latestMeeting(meetings)
	}
	fields.MeetingDate = date
	diags = append(diags, meetingDiags...)

	return fields, diags, nil
}

// scalar keeps the first non-blank value and reports any disagreeing ones.
func scalar(attr resolution.Attribute, values []extract.RawValue) (resolution.Field[string], []resolution.Diagnostic) {
	if len(values) == 0 {
		return resolution.Absent[string](), nil
	}
	var (
		kept  string
		label string
		diags []resolution.Diagnostic
	)
	for _, v := range values {
		if v.Text == "" {
			continue
		}
		if kept == "" {
			kept, label = v.Text, v.Label
			continue
		}
		if v.Text != kept {
			diags = append(diags, resolution.Diagnostic{
				Attribute: attr,
				Label:     v.Label,
				Message:   fmt.Sprintf("conflicting value %q ignored, kept %q from %q", v.Text, kept, label),
			})
		}
	}
	if kept == "" {
		return resolution.Blank[string](), diags
	}
	return resolution.Set(kept), diags
}

func bodyText(values []extract.RawValue) resolution.Field[string] {
	if len(values) == 0 {
		return resolution.Absent[string]()
	}
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if v.Text != "" {
			parts = append(parts, v.Text)
		}
	}
	if len(parts) == 0 {
		return resolution.Blank[string]()
	}
	return resolution.Set(strings.Join(parts, "\n\n"))
}

func (n *Normalizer) list(values []extract.RawValue) resolution.Field[[]string] {
	if len(values) == 0 {
		return resolution.Absent[[]string]()
	}
	var items []string
	seen := make(map[string]struct{})
	for _, v := range values {
		for _, item := range n.split(v.Text) {
			key := strings.ToLower(item)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			items = append(items, item)
		}
	}
	if len(items) == 0 {
		return resolution.Blank[[]string]()
	}
	return resolution.Set(items)
}

func (n *Normalizer) split(s string) []string {
	parts := []string{s}
	for _, sep := range n.separators {
		var next []string
		for _, p := range parts {
			next = append(next, strings.Split(p, sep)...)
		}
		parts = next
	}
	out := parts[:0]
	for _, p := range parts {
		p = strings.Join(strings.Fields(p), " ")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func attachments(values []extract.RawValue) resolution.Field[[]resolution.Attachment] {
	if len(values) == 0 {
		return resolution.Absent[[]resolution.Attachment]()
	}
	var out []resolution.Attachment
	seen := make(map[string]struct{})
	for _, v := range values {
		for _, l := range v.Links {
			if _, dup := seen[l.Href]; dup {
				continue
			}
			seen[l.Href] = struct{}{}
			out = append(out, resolution.Attachment{Title: l.Text, Path: l.Href})
		}
	}
	if len(out) == 0 {
		return resolution.Blank[[]resolution.Attachment]()
	}
	return resolution.Set(out)
}

func customSections(values []extract.RawValue) []resolution.CustomSection {
	out := make([]resolution.CustomSection, 0, len(values))
	for _, v := range values {
		content := v.Text
		if content == "" && len(v.Links) > 0 {
			titles := make([]string, 0, len(v.Links))
			for _, l := range v.Links {
				titles = append(titles, l.Text)
			}
			content = strings.Join(titles, "\n")
		}
		out = append(out, resolution.CustomSection{
			Name:    strings.TrimSpace(strings.TrimSuffix(v.Label, ":")),
			Content: content,
		})
	}
	return out
}

func (n *Normalizer) meetingDate(values []extract.RawValue) (resolution.Field[time.Time], []resolution.Diagnostic) {
	if len(values) == 0 {
		return resolution.Absent[time.Time](), nil
	}
	var diags []resolution.Diagnostic
	blank := true
	for _, v := range values {
		if v.Text == "" {
			continue
		}
		blank = false
		if ts, ok := n.parseDate(v.Text); ok {
			return resolution.Set(ts), diags
		}
		diags = append(diags, resolution.Diagnostic{
			Attribute: resolution.AttrMeetingDate,
			Label:     v.Label,
			Message:   fmt.Sprintf("unparseable date %q", v.Text),
		})
	}
	if blank {
		return resolution.Blank[time.Time](), nil
	}
	return resolution.Absent[time.Time](), diags
}

// parseDate tries every layout, dropping trailing words until one fits. Anything
// after a non-breaking space is decoration.
func (n *Normalizer) parseDate(s string) (time.Time, bool) {
	s, _, _ = strings.Cut(s, "\u00a0")
	words := strings.Fields(s)
	for end := len(words); end > 0; end-- {
		candidate := strings.Join(words[:end], " ")
		for _, layout := range n.dateFormats {
			if ts, err := time.Parse(layout, candidate); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

func (n *Normalizer) meetings(raw []extract.RawMeeting) (resolution.Field[[]resolution.Meeting], []resolution.Diagnostic) {
	if len(raw) == 0 {
		return resolution.Absent[[]resolution.Meeting](), nil
	}
	var diags []resolution.Diagnostic
	out := make([]resolution.Meeting, 0, len(raw))
	for _, rm := range raw {
		m := resolution.Meeting{
			MeetingID: meetingID(rm.MeetingHref),
			Body:      joinNonEmpty(" - ", rm.Group, rm.Type),
		}
		if rm.Date != "" {
			if ts, ok := n.parseDate(rm.Date); ok {
				m.Date = ts
			} else {
				diags = append(diags, resolution.Diagnostic{
					Attribute: resolution.AttrMeetings,
					Label:     m.Body,
					Message:   fmt.Sprintf("unparseable meeting date %q", rm.Date),
				})
			}
		}
		n.applyVotes(&m, rm.Votes)
		out = append(out, m)
	}
	return resolution.Set(out), diags
}

func (n *Normalizer) applyVotes(m *resolution.Meeting, rows []extract.VoteRow) {
	for _, row := range rows {
		key, _ := extract.NormalizeLabel(row.Label)
		switch key {
		case "result":
			m.Result = row.Value
		case "mover":
			m.Mover = firstName(row.Value)
		case "seconder":
			m.Seconder = firstName(row.Value)
		default:
			if key == "" {
				continue
			}
			m.Votes = append(m.Votes, resolution.VoteTally{Type: key, Voters: n.split(row.Value)})
		}
	}
}

// firstName drops the title the portal appends after the mover's name.
func firstName(v string) string {
	name, _, _ := strings.Cut(v, ",")
	return strings.TrimSpace(name)
}

func meetingID(href string) int64 {
	if href == "" {
		return 0
	}
	u, err := url.Parse(href)
	if err != nil {
		return 0
	}
	for key, vals := range u.Query() {
		if !strings.EqualFold(key, "id") || len(vals) == 0 {
			continue
		}
		id, err := strconv.ParseInt(vals[0], 10, 64)
		if err == nil {
			return id
		}
	}
	return 0
}

func latestMeeting(meetings resolution.Field[[]resolution.Meeting]) resolution.Field[time.Time] {
	list, ok := meetings.Value()
	if !ok {
		return resolution.Absent[time.Time]()
	}
	dates := make([]time.Time, 0, len(list))
	for _, m := range list {
		if !m.Date.IsZero() {
			dates = append(dates, m.Date)
		}
	}
	if len(dates) == 0 {
		return resolution.Absent[time.Time]()
	}
	sort.Slice(dates, func(i, j int) bool { return dates[i].Before(dates[j]) })
	return resolution.Set(dates[len(dates)-1])
}

func joinNonEmpty(sep string, parts ...string) string {
	kept := parts[:0:0]
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
