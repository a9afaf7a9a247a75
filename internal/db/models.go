package db

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Kocoro-lab/prosearch/internal/evidence"
)

// CitationList stores a final answer's citations in a jsonb column.
type CitationList []evidence.Citation

// Value implements the driver.Valuer interface
func (l CitationList) Value() (driver.Value, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(l)
}

// Scan implements the sql.Scanner interface
func (l *CitationList) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*l = nil
		return nil
	case []byte:
		return json.Unmarshal(v, l)
	case string:
		return json.Unmarshal([]byte(v), l)
	default:
		return fmt.Errorf("cannot scan %T into CitationList", value)
	}
}

// SessionRecord is one archived research session.
type SessionRecord struct {
	ID               string       `db:"id" json:"id"`
	Query            string       `db:"query" json:"query"`
	Effort           string       `db:"effort" json:"effort"`
	State            string       `db:"state" json:"state"`
	LoopIndex        int          `db:"loop_index" json:"loop_index"`
	MaxLoops         int          `db:"max_loops" json:"max_loops"`
	IssuedQueries    int          `db:"issued_queries" json:"issued_queries"`
	WebEvidence      int          `db:"web_evidence" json:"web_evidence"`
	AcademicEvidence int          `db:"academic_evidence" json:"academic_evidence"`
	Answer           *string      `db:"answer" json:"answer,omitempty"`
	Citations        CitationList `db:"citations" json:"citations"`
	ErrorMessage     *string      `db:"error_message" json:"error,omitempty"`
	CreatedAt        time.Time    `db:"created_at" json:"created_at"`
	FinishedAt       *time.Time   `db:"finished_at" json:"finished_at,omitempty"`
}
