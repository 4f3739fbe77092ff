package fileutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"

	"github.com/kaptinlin/jsonrepair"
)

// DecodeModelJSON unmarshals JSON from a model response. Text around the object is dropped and
// a truncated or sloppy object is repaired before giving up.
func DecodeModelJSON(outputText string, v any) error {
	s := strings.TrimSpace(outputText)
	if s == "" {
		return io.ErrUnexpectedEOF
	}

	if err := json.Unmarshal([]byte(s), v); err == nil {
		return nil
	}

	start := strings.IndexByte(s, '{')
	if start == -1 {
		return fmt.Errorf("no JSON object found in model output (len=%d)", len(s))
	}
	sub := s[start:]
	if end := strings.LastIndexByte(s, '}'); end > start {
		sub = s[start : end+1]
	}
	err := json.Unmarshal([]byte(sub), v)
	if err == nil {
		return nil
	}
	fixed, rerr := jsonrepair.JSONRepair(sub)
	if rerr != nil {
		return fmt.Errorf("failed to unmarshal extracted JSON (len=%d): %w", len(sub), err)
	}
	if err := json.Unmarshal([]byte(fixed), v); err != nil {
		return fmt.Errorf("failed to unmarshal repaired JSON (len=%d): %w", len(fixed), err)
	}
	return nil
}

// ReadJSONFileIfExists decodes path into v. It reports false, without error, when the file is missing.
func ReadJSONFileIfExists(path string, v any) (bool, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return false, fmt.Errorf("decode %s: %w", path, err)
	}
	return true, nil
}
