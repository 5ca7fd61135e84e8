package extract

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/iqm-resolution-archiver/internal/resolution"
)

func loadFixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	require.NoError(t, err)
	return data
}

func TestExtractDetailPage(t *testing.T) {
	t.Parallel()

	raw, err := New(DefaultConfig()).Extract(loadFixture(t, "detail_legifile.html"))
	require.NoError(t, err)

	assert.Equal(t, []string{
		"title", "number", "type",
		"department", "category", "sponsors", "functions", "status",
		"financial impact", "body", "attachments",
	}, raw.Labels())

	title := raw.Values("title")
	require.Len(t, title, 1)
	assert.Equal(t, "Approve Budget Amendment", title[0].Text)
	assert.Equal(t, "Title", title[0].Label)

	assert.Equal(t, "2023-17", raw.Values("number")[0].Text)
	assert.Equal(t, "Department:", raw.Values("department")[0].Label, "original label is kept")
	assert.Equal(t, "Councilmember J. Doe, Supervisor R. Roe, Councilmember J. Doe", raw.Values("sponsors")[0].Text)

	status := raw.Values("status")
	require.Len(t, status, 1)
	assert.True(t, status[0].Blank(), "rendered but empty label is blank")

	assert.Equal(t, "Funds are available in account 1990.4.", raw.Values("financial impact")[0].Text)

	body := raw.Values("body")[0].Text
	assert.Contains(t, body, "WHEREAS, the Town Board has reviewed the budget;")
	assert.Contains(t, body, "\nNOW, THEREFORE")
	assert.False(t, raw.Has("fund"), "tables inside the body are not label pairs")

	attachments := raw.Values("attachments")
	require.Len(t, attachments, 1)
	assert.Equal(t, []Link{
		{Text: "Budget Amendment Exhibit A", Href: "/Citizens/FileOpen.aspx?Type=4&ID=3311"},
		{Text: "Memo", Href: "/Citizens/FileOpen.aspx?Type=4&ID=3312"},
	}, attachments[0].Links)

	assert.False(t, raw.Has("discussion"))
	assert.False(t, raw.Has("result"), "vote rows stay inside the meeting history")
}

func TestExtractMeetingHistory(t *testing.T) {
	t.Parallel()

	raw, err := New(DefaultConfig()).Extract(loadFixture(t, "detail_legifile.html"))
	require.NoError(t, err)

	meetings := raw.Meetings()
	require.Len(t, meetings, 2)

	first := meetings[0]
	assert.Equal(t, "Town Board", first.Group)
	assert.Equal(t, "Regular Meeting", first.Type)
	assert.Equal(t, "Jan 5, 2023 7:00 PM", first.Date)
	assert.Equal(t, "Detail_Meeting.aspx?ID=1201", first.MeetingHref)
	assert.Equal(t, []VoteRow{
		{Label: "Result:", Value: "Tabled"},
		{Label: "Mover:", Value: "J. Doe, Councilmember"},
		{Label: "Seconder:", Value: "R. Roe, Supervisor"},
		{Label: "Ayes:", Value: "J. Doe, R. Roe"},
	}, first.Votes)

	second := meetings[1]
	assert.Equal(t, "Feb 6, 2023 7:00 PM", second.Date)
	assert.Len(t, second.Votes, 5)
	assert.Equal(t, VoteRow{Label: "Nays:", Value: "B. Jones"}, second.Votes[4])
}

func TestExtractWithoutBody(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.IncludeBody = false
	raw, err := New(cfg).Extract(loadFixture(t, "detail_legifile.html"))
	require.NoError(t, err)
	assert.False(t, raw.Has("body"))
	assert.True(t, raw.Has("title"))
}

func TestExtractStructuralSectionsAreConfigurable(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.StructuralSections = append(cfg.StructuralSections, "Financial Impact")
	raw, err := New(cfg).Extract(loadFixture(t, "detail_legifile.html"))
	require.NoError(t, err)
	assert.False(t, raw.Has("financial impact"))
}

func TestExtractAlternateLayouts(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		html   string
		labels []string
		check  func(t *testing.T, raw RawFieldMap)
	}{
		{
			name: "definition list and two cell rows",
			html: `<html><body>
				<dl><dt>Resolution Title</dt><dd>Approve Budget</dd><dt>Sponsor</dt><dd>J. Doe</dd></dl>
				<table><tr><td>Current Status:</td><td>Adopted</td></tr><tr><td>no colon</td><td>x</td></tr></table>
			</body></html>`,
			labels: []string{"current status", "resolution title", "sponsor"},
			check: func(t *testing.T, raw RawFieldMap) {
				assert.Equal(t, "Approve Budget", raw.Values("resolution title")[0].Text)
				assert.Equal(t, "Adopted", raw.Values("current status")[0].Text)
			},
		},
		{
			name:   "body fallback without heading",
			html:   `<html><body><div id="divBody"><div class="LegiFileSectionContents">Resolved.</div></div></body></html>`,
			labels: []string{"body"},
			check: func(t *testing.T, raw RawFieldMap) {
				assert.Equal(t, "Resolved.", raw.Values("body")[0].Text)
			},
		},
		{
			name:   "heading fallback selector",
			html:   `<html><body><div id="LegiFileHeading"><h1>Fallback Title</h1></div></body></html>`,
			labels: []string{"title"},
		},
		{
			name:   "empty downloads render blank attachments",
			html:   `<html><body><div id="ContentPlaceholder1_divDownloads"></div></body></html>`,
			labels: []string{"attachments"},
			check: func(t *testing.T, raw RawFieldMap) {
				assert.True(t, raw.Values("attachments")[0].Blank())
			},
		},
		{
			name:   "html without any known region",
			html:   `<html><body><p>Nothing here</p></body></html>`,
			labels: nil,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			raw, err := New(DefaultConfig()).Extract([]byte(tt.html))
			require.NoError(t, err)
			assert.ElementsMatch(t, tt.labels, raw.Labels())
			if tt.check != nil {
				tt.check(t, raw)
			}
		})
	}
}

func TestExtractMalformed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   []byte
		reason string
	}{
		{name: "nil", body: nil, reason: "empty document"},
		{name: "whitespace", body: []byte(" \n\t "), reason: "empty document"},
		{name: "plain text", body: []byte("Service Unavailable"), reason: "not an html document"},
		{name: "binary", body: []byte{0x25, 0x50, 0x44, 0x46, 0x2d, 0x31, 0x2e, 0x34}, reason: "not an html document"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := New(DefaultConfig()).Extract(tt.body)
			var malformed *resolution.MalformedDocumentError
			require.True(t, errors.As(err, &malformed), "got %v", err)
			assert.Equal(t, tt.reason, malformed.Reason)
		})
	}
}

func TestExtractIsPure(t *testing.T) {
	t.Parallel()

	body := loadFixture(t, "detail_legifile.html")
	x := New(DefaultConfig())
	a, err := x.Extract(body)
	require.NoError(t, err)
	b, err := x.Extract(body)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestNormalizeLabel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in       string
		key      string
		original string
	}{
		{in: "Department:", key: "department", original: "Department:"},
		{in: "  Resolution Title : ", key: "resolution title", original: "Resolution Title :"},
		{in: "ＳＴＡＴＵＳ", key: "status", original: "STATUS"},
		{in: " : ", key: "", original: ":"},
	}
	for _, tt := range tests {
		key, original := NormalizeLabel(tt.in)
		assert.Equal(t, tt.key, key, tt.in)
		assert.Equal(t, tt.original, original, tt.in)
	}
}
