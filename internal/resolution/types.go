// Package resolution defines the resolution record model shared across the archiver.
package resolution

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// ID is the portal-assigned resolution identifier.
type ID int64

// Attribute names one canonical field.
type Attribute string

// Canonical attributes.
const (
	AttrNumber      Attribute = "number"
	AttrType        Attribute = "type"
	AttrTitle       Attribute = "title"
	AttrDepartment  Attribute = "department"
	AttrCategory    Attribute = "category"
	AttrStatus      Attribute = "status"
	AttrSponsors    Attribute = "sponsors"
	AttrFunctions   Attribute = "functions"
	AttrMeetingDate Attribute = "meeting_date"
	AttrAttachments Attribute = "attachments"
	AttrBody        Attribute = "body"
	AttrMeetings    Attribute = "meetings"
	AttrCustom      Attribute = "custom"
)

// Attributes lists every canonical attribute in comparison order.
var Attributes = []Attribute{
	AttrNumber,
	AttrType,
	AttrTitle,
	AttrDepartment,
	AttrCategory,
	AttrStatus,
	AttrSponsors,
	AttrFunctions,
	AttrMeetingDate,
	AttrAttachments,
	AttrBody,
	AttrMeetings,
	AttrCustom,
}

// ParseAttribute validates an attribute name from configuration.
func ParseAttribute(name string) (Attribute, bool) {
	for _, a := range Attributes {
		if string(a) == name {
			return a, true
		}
	}
	return "", false
}

// Quality is the tri-state completeness marker stored with every record.
type Quality string

// Extraction quality values, lowest first.
const (
	QualityFailed   Quality = "failed"
	QualityPartial  Quality = "partial"
	QualityComplete Quality = "complete"
)

// Rank orders qualities so that failed < partial < complete.
func (q Quality) Rank() int {
	switch q {
	case QualityComplete:
		return 2
	case QualityPartial:
		return 1
	default:
		return 0
	}
}

// Attachment is a document link rendered on the resolution page.
type Attachment struct {
	Title string `json:"title"`
	Path  string `json:"path"`
}

// VoteTally lists the voters recorded under one vote type (aye, nay, abstain, ...).
type VoteTally struct {
	Type   string   `json:"type"`
	Voters []string `json:"voters"`
}

// Meeting is one entry of the meeting history table.
type Meeting struct {
	MeetingID int64       `json:"meeting_id,omitempty"`
	Body      string      `json:"body,omitempty"`
	Date      time.Time   `json:"date"`
	Result    string      `json:"result,omitempty"`
	Mover     string      `json:"mover,omitempty"`
	Seconder  string      `json:"seconder,omitempty"`
	Votes     []VoteTally `json:"votes,omitempty"`
}

// CustomSection keeps instance-specific content that maps to no canonical attribute.
type CustomSection struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// CanonicalFields is the fixed schema every extraction is normalized into.
type CanonicalFields struct {
	Number      Field[string]       `json:"number"`
	Type        Field[string]       `json:"type"`
	Title       Field[string]       `json:"title"`
	Department  Field[string]       `json:"department"`
	Category    Field[string]       `json:"category"`
	Status      Field[string]       `json:"status"`
	Sponsors    Field[[]string]     `json:"sponsors"`
	Functions   Field[[]string]     `json:"functions"`
	MeetingDate Field[time.Time]    `json:"meeting_date"`
	Attachments Field[[]Attachment] `json:"attachments"`
	Body        Field[string]       `json:"body"`
	Meetings    Field[[]Meeting]    `json:"meetings"`
	Custom      []CustomSection     `json:"custom,omitempty"`
}

// StateOf reports the state of a canonical attribute. Custom content is set when non-empty.
func (c CanonicalFields) StateOf(a Attribute) FieldState {
	switch a {
	case AttrNumber:
		return c.Number.State()
	case AttrType:
		return c.Type.State()
	case AttrTitle:
		return c.Title.State()
	case AttrDepartment:
		return c.Department.State()
	case AttrCategory:
		return c.Category.State()
	case AttrStatus:
		return c.Status.State()
	case AttrSponsors:
		return c.Sponsors.State()
	case AttrFunctions:
		return c.Functions.State()
	case AttrMeetingDate:
		return c.MeetingDate.State()
	case AttrAttachments:
		return c.Attachments.State()
	case AttrBody:
		return c.Body.State()
	case AttrMeetings:
		return c.Meetings.State()
	case AttrCustom:
		if len(c.Custom) > 0 {
			return StateSet
		}
	}
	return StateAbsent
}

func (c CanonicalFields) encoded(a Attribute) []byte {
	var v any
	switch a {
	case AttrNumber:
		v = c.Number
	case AttrType:
		v = c.Type
	case AttrTitle:
		v = c.Title
	case AttrDepartment:
		v = c.Department
	case AttrCategory:
		v = c.Category
	case AttrStatus:
		v = c.Status
	case AttrSponsors:
		v = c.Sponsors
	case AttrFunctions:
		v = c.Functions
	case AttrMeetingDate:
		v = c.MeetingDate
	case AttrAttachments:
		v = c.Attachments
	case AttrBody:
		v = c.Body
	case AttrMeetings:
		v = c.Meetings
	case AttrCustom:
		if len(c.Custom) == 0 {
			return nil
		}
		v = c.Custom
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}

// Diff compares two field sets attribute by attribute and returns the attributes that differ.
func (c CanonicalFields) Diff(other CanonicalFields) []Attribute {
	var changed []Attribute
	for _, a := range Attributes {
		if !bytes.Equal(c.encoded(a), other.encoded(a)) {
			changed = append(changed, a)
		}
	}
	return changed
}

// Diagnostic records a soft failure observed while normalizing.
type Diagnostic struct {
	Attribute Attribute `json:"attribute,omitempty"`
	Label     string    `json:"label,omitempty"`
	Message   string    `json:"message"`
}

// Record is the immutable result of one extraction attempt.
type Record struct {
	ID            ID              `json:"id"`
	Fields        CanonicalFields `json:"fields"`
	Quality       Quality         `json:"quality"`
	Diagnostics   []Diagnostic    `json:"diagnostics,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	SourceURL     string          `json:"source_url,omitempty"`
	SnapshotURI   string          `json:"snapshot_uri,omitempty"`
}

// Fingerprint is a stable digest of the canonical fields only.
func (r Record) Fingerprint() string {
	data, err := json.Marshal(r.Fields)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// StoredRecord is the archived row for one identifier.
type StoredRecord struct {
	Record
	ContentHash string    `json:"content_hash"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Document is the raw rendering returned by a Fetcher.
type Document struct {
	ID         ID
	URL        string
	StatusCode int
	Body       []byte
	FetchedAt  time.Time
	Duration   time.Duration
}
