package resolution

// DefaultRequired lists the attributes a record needs to be considered complete.
var DefaultRequired = []Attribute{AttrTitle, AttrStatus}

// BuildInput carries everything the builder combines into a Record.
type BuildInput struct {
	ID          ID
	Fields      CanonicalFields
	Diagnostics []Diagnostic
	// Err is the extraction or normalization error, if any.
	Err         error
	SourceURL   string
	SnapshotURI string
}

// Build assembles an immutable Record and grades its extraction quality.
func Build(in BuildInput, required []Attribute) Record {
	rec := Record{
		ID:          in.ID,
		SourceURL:   in.SourceURL,
		SnapshotURI: in.SnapshotURI,
	}
	if len(in.Diagnostics) > 0 {
		rec.Diagnostics = append([]Diagnostic(nil), in.Diagnostics...)
	}
	if in.Err != nil {
		rec.Quality = QualityFailed
		rec.FailureReason = in.Err.Error()
		return rec
	}
	rec.Fields = in.Fields
	rec.Quality = QualityComplete
	if len(MissingRequired(in.Fields, required)) > 0 {
		rec.Quality = QualityPartial
	}
	return rec
}

// MissingRequired returns the required attributes the fields do not carry.
func MissingRequired(fields CanonicalFields, required []Attribute) []Attribute {
	var missing []Attribute
	for _, attr := range required {
		if fields.StateOf(attr) == StateAbsent {
			missing = append(missing, attr)
		}
	}
	return missing
}
