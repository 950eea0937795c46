package scan

import (
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"
)

// CaptureUnit is the outcome of one capture attempt. A failed capture carries
// Err and no Location. Units are never retried or mutated.
type CaptureUnit struct {
	Success  bool   `json:"success"`
	Err      string `json:"error,omitempty"`
	Location string `json:"location,omitempty"`
	Sequence string `json:"sequence,omitempty"`
}

// Failed builds an unsuccessful unit.
func Failed(format string, args ...any) CaptureUnit {
	return CaptureUnit{Err: fmt.Sprintf(format, args...)}
}

// Captured builds a successful unit, deriving the sequence label from the
// location. A location that breaks the naming contract yields a failed unit.
func Captured(location string) CaptureUnit {
	seq, err := ParseSequenceLabel(location)
	if err != nil {
		return CaptureUnit{Err: err.Error()}
	}
	return CaptureUnit{Success: true, Location: location, Sequence: seq}
}

// Document is the cleaned text of one capture as written to the index.
type Document struct {
	Sequence string `json:"page_number"`
	Text     string `json:"text"`
	Location string `json:"file_path"`
}

var ErrBadLocation = errors.New("scan: location does not match <name>_<N>.<ext>")

// ParseSequenceLabel extracts N from a location ending in "<name>_<N>.<ext>".
// Both filesystem paths and object URIs are accepted.
func ParseSequenceLabel(location string) (string, error) {
	base := path.Base(strings.ReplaceAll(location, "\\", "/"))
	if dot := strings.IndexByte(base, '.'); dot >= 0 {
		base = base[:dot]
	}
	us := strings.LastIndexByte(base, '_')
	if us < 0 || us == len(base)-1 {
		return "", fmt.Errorf("%w: %q", ErrBadLocation, location)
	}
	label := base[us+1:]
	n, err := strconv.Atoi(label)
	if err != nil || n < 0 {
		return "", fmt.Errorf("%w: %q", ErrBadLocation, location)
	}
	return label, nil
}
