package extract

import (
	"bytes"
	"net/http"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

// Labels the extractor emits for regions that carry no rendered label of their own.
const (
	LabelTitle       = "Title"
	LabelNumber      = "Number"
	LabelType        = "Type"
	LabelBody        = "Body"
	LabelAttachments = "Attachments"
)

// DefaultStructuralSections are section headings handled by dedicated regions.
var DefaultStructuralSections = []string{"Information", "Attachments", "Meeting History", "Discussion"}

// headingSelectors lists, per label, the selectors tried in order. The first match wins.
var headingSelectors = []struct {
	label     string
	selectors []string
}{
	{LabelTitle, []string{`[id$="lblLegiFileTitle"]`, `#LegiFileHeading h1`}},
	{LabelNumber, []string{`[id$="lblResNum"]`, `[id$="lblLegiFileNumber"]`}},
	{LabelType, []string{`[id$="lblLegiFileType"]`}},
}

const (
	pairScopeExclusions = ".MeetingHistory, #divBody"
	sectionSelector     = ".LegiFileSection"
	sectionContents     = ".LegiFileSectionContents"
	bodySelector        = "#divBody"
	downloadsSelector   = `[id$="divDownloads"]`
	historySelector     = "table.MeetingHistory"
)

// Config controls which regions the extractor reads.
type Config struct {
	// StructuralSections are section headings skipped by the generic section scan.
	StructuralSections []string
	IncludeBody        bool
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		StructuralSections: append([]string(nil), DefaultStructuralSections...),
		IncludeBody:        true,
	}
}

// Extractor locates label/value pairs on an IQM2 detail page.
type Extractor struct {
	structural  map[string]struct{}
	includeBody bool
}

// New constructs an Extractor.
func New(cfg Config) *Extractor {
	structural := make(map[string]struct{}, len(cfg.StructuralSections))
	for _, name := range cfg.StructuralSections {
		key, _ := NormalizeLabel(name)
		if key != "" {
			structural[key] = struct{}{}
		}
	}
	return &Extractor{structural: structural, includeBody: cfg.IncludeBody}
}

// Extract parses body and returns every labeled value it can find. Missing regions
// contribute nothing; only input that is not an HTML document is an error.
func (x *Extractor) Extract(body []byte) (RawFieldMap, error) {
	raw := NewRawFieldMap()
	if len(bytes.TrimSpace(body)) == 0 {
		return raw, &resolution.MalformedDocumentError{Reason: "empty document"}
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return raw, &resolution.MalformedDocumentError{Reason: "unparseable document", Err: err}
	}
	if !looksLikeHTML(body, doc) {
		return raw, &resolution.MalformedDocumentError{Reason: "not an html document"}
	}

	x.headings(doc, &raw)
	x.pairs(doc, &raw)
	x.sections(doc, &raw)
	x.attachments(doc, &raw)
	x.meetings(doc, &raw)
	return raw, nil
}

func looksLikeHTML(body []byte, doc *goquery.Document) bool {
	if strings.HasPrefix(http.DetectContentType(body), "text/html") {
		return true
	}
	return doc.Find("body *").Length() > 0
}

func (x *Extractor) headings(doc *goquery.Document, raw *RawFieldMap) {
	for _, h := range headingSelectors {
		for _, sel := range h.selectors {
			node := doc.Find(sel).First()
			if node.Length() == 0 {
				continue
			}
			raw.Add(h.label, valueOf(node))
			break
		}
	}
}

func (x *Extractor) pairs(doc *goquery.Document, raw *RawFieldMap) {
	doc.Find("th").Each(func(_ int, th *goquery.Selection) {
		if th.Closest(pairScopeExclusions).Length() > 0 {
			return
		}
		td := th.NextFiltered("td")
		if td.Length() == 0 {
			return
		}
		raw.Add(th.Text(), valueOf(td))
	})

	doc.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if tr.Closest(pairScopeExclusions).Length() > 0 {
			return
		}
		if tr.ChildrenFiltered("th").Length() > 0 {
			return
		}
		cells := tr.ChildrenFiltered("td")
		if cells.Length() != 2 {
			return
		}
		label := collapseSpace(cells.Eq(0).Text())
		if !strings.HasSuffix(label, ":") {
			return
		}
		raw.Add(label, valueOf(cells.Eq(1)))
	})

	doc.Find("dt").Each(func(_ int, dt *goquery.Selection) {
		dd := dt.NextFiltered("dd")
		if dd.Length() == 0 {
			return
		}
		raw.Add(dt.Text(), valueOf(dd))
	})
}

func (x *Extractor) sections(doc *goquery.Document, raw *RawFieldMap) {
	bodyKey, _ := NormalizeLabel(LabelBody)
	sawBody := false

	doc.Find(sectionSelector).Each(func(_ int, section *goquery.Selection) {
		heading := section.Find("h4, h3").First()
		if heading.Length() == 0 {
			return
		}
		key, original := NormalizeLabel(heading.Text())
		if key == "" {
			return
		}
		if _, skip := x.structural[key]; skip {
			return
		}
		if key == bodyKey {
			sawBody = true
			if !x.includeBody {
				return
			}
		}
		raw.Add(original, RawValue{Text: cleanBlock(section.Find(sectionContents).First().Text())})
	})

	if sawBody || !x.includeBody {
		return
	}
	body := doc.Find(bodySelector).First()
	if body.Length() == 0 {
		return
	}
	contents := body.Find(sectionContents).First()
	if contents.Length() == 0 {
		contents = body
	}
	raw.Add(LabelBody, RawValue{Text: cleanBlock(contents.Text())})
}

func (x *Extractor) attachments(doc *goquery.Document, raw *RawFieldMap) {
	downloads := doc.Find(downloadsSelector).First()
	if downloads.Length() == 0 {
		return
	}
	raw.Add(LabelAttachments, RawValue{Links: linksOf(downloads)})
}

// meetings pairs each history header row with the vote record that follows it.
func (x *Extractor) meetings(doc *goquery.Document, raw *RawFieldMap) {
	history := doc.Find(historySelector).First()
	if history.Length() == 0 {
		return
	}
	var current *RawMeeting
	flush := func() {
		if current != nil && !current.empty() {
			raw.AddMeeting(*current)
		}
		current = nil
	}
	history.Find("tr.HeaderRow, table.VoteRecord").Each(func(_ int, node *goquery.Selection) {
		if node.Is("tr") {
			flush()
			m := headerRow(node)
			current = &m
			return
		}
		if current == nil {
			current = &RawMeeting{}
		}
		current.Votes = append(current.Votes, voteRows(node)...)
	})
	flush()
}

func headerRow(tr *goquery.Selection) RawMeeting {
	date := tr.Find("td.Date").First()
	m := RawMeeting{
		Group: collapseSpace(tr.Find("td.Group").First().Text()),
		Type:  collapseSpace(tr.Find("td.Type").First().Text()),
		// The portal pads the date cell with a non-breaking space before trailing links.
		Date: collapseSpace(strings.SplitN(strings.TrimSpace(date.Text()), "\u00a0", 2)[0]),
	}
	date.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		href, _ := a.Attr("href")
		m.MeetingHref = strings.TrimSpace(href)
		return m.MeetingHref == ""
	})
	return m
}

func voteRows(table *goquery.Selection) []VoteRow {
	var rows []VoteRow
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		cells := tr.ChildrenFiltered("td")
		if cells.Length() < 2 {
			return
		}
		label := collapseSpace(cells.Eq(0).Text())
		if label == "" {
			return
		}
		rows = append(rows, VoteRow{Label: label, Value: collapseSpace(cells.Eq(1).Text())})
	})
	return rows
}

func valueOf(sel *goquery.Selection) RawValue {
	return RawValue{Text: collapseSpace(sel.Text()), Links: linksOf(sel)}
}

func linksOf(sel *goquery.Selection) []Link {
	var links []Link
	sel.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href, _ := a.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" {
			return
		}
		links = append(links, Link{Text: collapseSpace(a.Text()), Href: href})
	})
	return links
}
