// Package ingest reads incoming contact records from CSV files.
package ingest

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/dedupe-cli/internal/model"
)

// Record is one parsed input row: the raw identity plus any external
// system links it carried.
type Record struct {
	Identity    model.Identity
	ExternalIDs []model.ExternalID
}

// Column headers recognized beyond the identity fields.
const (
	colExternalSystem = "external_system"
	colExternalID     = "external_id"
)

// ReadFile parses a CSV file into records. The first row is the header;
// columns are matched by name against the identity field keys, so column
// order does not matter and unknown columns are ignored.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: open %s", path)
	}
	defer f.Close()
	return Read(f)
}

// Read parses CSV records from a reader.
func Read(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrap(err, "ingest: read header")
	}
	for i := range header {
		header[i] = strings.ToLower(strings.TrimSpace(header[i]))
	}

	var out []Record
	line := 1
	for {
		row, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read row %d", line+1)
		}
		line++

		var rec Record
		var extSystem, extValue string
		for i, col := range header {
			if i >= len(row) {
				break
			}
			val := strings.TrimSpace(row[i])
			switch col {
			case colExternalSystem:
				extSystem = val
			case colExternalID:
				extValue = val
			default:
				if isConsentField(col) {
					val = foldBool(val)
				}
				rec.Identity.SetFieldValue(col, val)
			}
		}
		if extSystem != "" && extValue != "" {
			rec.ExternalIDs = append(rec.ExternalIDs, model.ExternalID{
				System: extSystem,
				Value:  extValue,
			})
		}
		out = append(out, rec)
	}
	return out, nil
}

func isConsentField(col string) bool {
	for _, f := range model.ContactPreferenceFields {
		if col == f {
			return true
		}
	}
	return false
}

// foldBool accepts the truthy spellings that show up in exported CSVs.
func foldBool(val string) string {
	switch strings.ToLower(val) {
	case "true", "1", "yes", "y", "t":
		return "true"
	default:
		return "false"
	}
}
