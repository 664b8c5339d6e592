package memory

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/normanking/nexus/internal/data"
)

// Export formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Export is the document written by WriteExport.
type Export struct {
	ExportedAt time.Time      `json:"exported_at" yaml:"exported_at"`
	Count      int            `json:"count" yaml:"count"`
	Memories   []*data.Memory `json:"memories" yaml:"memories"`
}

// ParseFormat validates an export format name. Empty means JSON.
func ParseFormat(s string) (string, error) {
	switch f := strings.ToLower(strings.TrimSpace(s)); f {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	default:
		return "", fmt.Errorf("unsupported export format %q (want json or yaml)", s)
	}
}

// WriteExport writes memories to w in the given format.
func WriteExport(w io.Writer, memories []*data.Memory, format string, now time.Time) error {
	if memories == nil {
		memories = []*data.Memory{}
	}
	doc := Export{ExportedAt: now.UTC(), Count: len(memories), Memories: memories}

	switch format {
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		return enc.Close()
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unsupported export format %q", format)
	}
}
