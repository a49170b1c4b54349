package history

import (
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/kalambet/daybook/internal/model"
)

// Exporter writes a principal's history in one format.
type Exporter interface {
	Export(items []model.Interaction, w io.Writer) error
	Extension() string
}

// NewExporter returns the exporter for format.
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "json":
		return jsonExporter{}, nil
	case "jsonl":
		return jsonlExporter{}, nil
	case "yaml", "yml":
		return yamlExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, jsonl, yaml)", format)
	}
}

type jsonExporter struct{}

func (jsonExporter) Export(items []model.Interaction, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(items)
}

func (jsonExporter) Extension() string { return "json" }

// jsonlExporter writes one interaction per line.
type jsonlExporter struct{}

func (jsonlExporter) Export(items []model.Interaction, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, it := range items {
		if err := enc.Encode(it); err != nil {
			return fmt.Errorf("encoding interaction %s: %w", it.ID, err)
		}
	}
	return nil
}

func (jsonlExporter) Extension() string { return "jsonl" }

type yamlExporter struct{}

func (yamlExporter) Export(items []model.Interaction, w io.Writer) error {
	enc := yaml.NewEncoder(w)
	defer func() { _ = enc.Close() }()
	return enc.Encode(items)
}

func (yamlExporter) Extension() string { return "yaml" }
