package ingest

// Field length bounds applied while parsing.
const (
	MaxNameLength    = 100
	MaxCompanyLength = 100
	MaxTags          = 10
	MaxTagLength     = 50
	MaxEmailLength   = 254
	MaxLocalLength   = 64
)

// Candidate is one validated, normalized row. It is the only row shape the
// rest of the engine sees.
type Candidate struct {
	Email      string   `json:"email" validate:"required,email,max=254"`
	Name       string   `json:"name,omitempty" validate:"max=100"`
	Company    string   `json:"company,omitempty" validate:"max=100"`
	Tags       []string `json:"tags,omitempty" validate:"max=10,dive,max=50"`
	Subscribed *bool    `json:"subscribed,omitempty"`
	RowIndex   int      `json:"row" validate:"min=1"`
}
