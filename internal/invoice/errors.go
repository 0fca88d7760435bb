package invoice

import "errors"

// Failure taxonomy shared by every pipeline stage. Stages wrap these with
// fmt.Errorf("...: %w", ...) so callers can classify with errors.Is.
var (
	ErrAuth             = errors.New("authentication failed")
	ErrTransientNetwork = errors.New("transient network error")
	ErrDecode           = errors.New("attachment decode failed")
	ErrIO               = errors.New("attachment write failed")
	ErrExtraction       = errors.New("text extraction failed")
	ErrExtractionParse  = errors.New("structured extraction returned invalid JSON")
	ErrPersistence      = errors.New("persistence failed")
	ErrNotFound         = errors.New("not found")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrAuth, "AuthError"},
	{ErrTransientNetwork, "TransientNetworkError"},
	{ErrDecode, "DecodeError"},
	{ErrIO, "IOError"},
	{ErrExtraction, "ExtractionError"},
	{ErrExtractionParse, "ExtractionParseError"},
	{ErrPersistence, "PersistenceError"},
	{ErrNotFound, "NotFound"},
}

// Kind names the taxonomy entry err belongs to, or "Error" if none matches
func Kind(err error) string {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Error"
}
