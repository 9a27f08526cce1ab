package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/jgoldverg/bitrate/pkg/speedclient"
	"gopkg.in/yaml.v3"
)

type roundPlanDocument struct {
	Version int              `json:"version" yaml:"version"`
	Rounds  []roundPlanEntry `json:"rounds" yaml:"rounds"`
}

type roundPlanEntry struct {
	Size      planSize `json:"size" yaml:"size"`
	Streams   *int     `json:"streams" yaml:"streams"`
	Datagrams *int     `json:"datagrams" yaml:"datagrams"`
}

// planSize accepts either a plain byte count or a string with a unit
// suffix such as "10MB" or "512KiB".
type planSize uint64

func (s *planSize) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: size must be a scalar", node.Line)
	}
	n, err := parseSize(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*s = planSize(n)
	return nil
}

func (s *planSize) UnmarshalJSON(data []byte) error {
	data = bytesTrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var value string
		if err := json.Unmarshal(data, &value); err != nil {
			return err
		}
		data = []byte(value)
	}
	n, err := parseSize(string(data))
	if err != nil {
		return err
	}
	*s = planSize(n)
	return nil
}

var sizeUnits = []struct {
	suffix string
	factor uint64
}{
	// Longest suffixes first so "KiB" is not read as "B".
	{"kib", 1 << 10}, {"mib", 1 << 20}, {"gib", 1 << 30},
	{"kb", 1_000}, {"mb", 1_000_000}, {"gb", 1_000_000_000},
	{"k", 1 << 10}, {"m", 1 << 20}, {"g", 1 << 30},
	{"b", 1},
}

// parseSize reads a byte count with an optional unit suffix. Decimal
// suffixes (KB, MB, GB) are powers of 1000; binary ones (KiB, MiB, GiB and
// the bare K, M, G) are powers of 1024.
func parseSize(raw string) (uint64, error) {
	text := strings.ToLower(strings.TrimSpace(raw))
	if text == "" {
		return 0, fmt.Errorf("size is empty")
	}
	factor := uint64(1)
	for _, u := range sizeUnits {
		if strings.HasSuffix(text, u.suffix) {
			factor = u.factor
			text = strings.TrimSpace(strings.TrimSuffix(text, u.suffix))
			break
		}
	}
	text = strings.ReplaceAll(text, "_", "")
	n, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	if n == 0 {
		return 0, fmt.Errorf("size %q must be positive", raw)
	}
	if n > ^uint64(0)/factor {
		return 0, fmt.Errorf("size %q overflows", raw)
	}
	return n * factor, nil
}

func bytesTrimSpace(b []byte) []byte {
	return []byte(strings.TrimSpace(string(b)))
}

func loadRoundPlanDocument(path string) (*roundPlanDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan file: %w", err)
	}
	format := strings.ToLower(filepath.Ext(path))
	if format != ".yaml" && format != ".yml" && format != ".json" {
		format = ".yaml"
	}
	doc, err := decodeRoundPlanDocument(data, format)
	if err != nil {
		return nil, err
	}
	if doc.Version == 0 {
		doc.Version = 1
	}
	if doc.Version != 1 {
		return nil, fmt.Errorf("unsupported plan version %d", doc.Version)
	}
	if len(doc.Rounds) == 0 {
		return nil, fmt.Errorf("plan file defines no rounds")
	}
	return doc, nil
}

func decodeRoundPlanDocument(data []byte, format string) (*roundPlanDocument, error) {
	var doc roundPlanDocument
	switch format {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse plan file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown plan format %q", format)
	}
	return &doc, nil
}

// toPlans fills unset fields from defaults and validates every entry.
func (doc *roundPlanDocument) toPlans(defaults speedclient.Plan) ([]speedclient.Plan, error) {
	plans := make([]speedclient.Plan, 0, len(doc.Rounds))
	for i, r := range doc.Rounds {
		p := defaults
		if r.Size != 0 {
			p.Size = uint64(r.Size)
		}
		if r.Streams != nil {
			p.StreamSessions = *r.Streams
		}
		if r.Datagrams != nil {
			p.DatagramSessions = *r.Datagrams
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("rounds[%d]: %w", i, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}
