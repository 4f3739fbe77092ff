package linkage

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/invopop/jsonschema"

	"github.com/theimaginaryfoundation/survey-linker/linkage/fileutils"
)

// ColumnSpec is one data dictionary entry.
type ColumnSpec struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
	Allowed     string `json:"allowed,omitempty"`
}

// OutputSchema is the JSON Schema of the columns appended to the survey table.
func OutputSchema() *jsonschema.Schema {
	r := jsonschema.Reflector{
		DoNotReference:             true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  true,
		RequiredFromJSONSchemaTags: false,
	}
	s := r.Reflect(&ParticipantRecord{})
	s.Title = "Consolidated participant record"
	s.Description = "Columns appended to every survey response by the linkage run. Original survey columns precede them unchanged."
	return s
}

// DataDictionary lists the appended columns in output order.
func DataDictionary() []ColumnSpec {
	s := OutputSchema()
	var out []ColumnSpec
	for pair := s.Properties.Oldest(); pair != nil; pair = pair.Next() {
		prop := pair.Value
		spec := ColumnSpec{
			Name:        pair.Key,
			Type:        prop.Type,
			Description: prop.Description,
		}
		if len(prop.Enum) > 0 {
			vals := make([]string, 0, len(prop.Enum))
			for _, v := range prop.Enum {
				vals = append(vals, fmt.Sprint(v))
			}
			spec.Allowed = strings.Join(vals, "|")
		}
		out = append(out, spec)
	}
	return out
}

// DictionaryFiles names the artifacts written by WriteDataDictionary.
type DictionaryFiles struct {
	CSVPath    string
	SchemaPath string
}

// WriteDataDictionary writes data_dictionary.csv and consolidated.schema.json into dir.
func WriteDataDictionary(dir string) (DictionaryFiles, error) {
	if dir == "" {
		return DictionaryFiles{}, errors.New("WriteDataDictionary: dir is empty")
	}
	files := DictionaryFiles{
		CSVPath:    filepath.Join(dir, "data_dictionary.csv"),
		SchemaPath: filepath.Join(dir, "consolidated.schema.json"),
	}

	var rows [][]string
	for _, c := range DataDictionary() {
		rows = append(rows, []string{c.Name, c.Type, c.Description, c.Allowed})
	}
	if err := fileutils.WriteCSVFileAtomic(files.CSVPath, []string{"Variable", "Type", "Description", "Allowed"}, rows); err != nil {
		return DictionaryFiles{}, fmt.Errorf("WriteDataDictionary: %w", err)
	}
	if err := fileutils.WriteJSONFileAtomic(files.SchemaPath, OutputSchema(), true); err != nil {
		return DictionaryFiles{}, fmt.Errorf("WriteDataDictionary: %w", err)
	}
	return files, nil
}
