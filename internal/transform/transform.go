package transform

import (
	"encoding/csv"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/config"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/tableau"
)

// Cell is one typed value in a view: the logical field it belongs to, its
// normalized string value, and the display format applied at assembly time.
type Cell struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Format string `json:"format"`
}

type Header struct {
	Field       string `json:"field"`
	DisplayName string `json:"displayName"`
	Format      string `json:"format"`
}

// ViewData is the tagged FLAG_CARD / TABLE variant. Exactly one of Card and
// Table is set, matching Type.
type ViewData struct {
	Type  string `json:"type"`
	Card  *Cell  `json:"card,omitempty"`
	Table *Table `json:"table,omitempty"`
}

type Table struct {
	Headers []Header `json:"headers"`
	Rows    [][]Cell `json:"rows"`
}

// Transformer shapes raw CSV view exports into typed view data, driven by
// the use-case view catalog.
type Transformer struct {
	registry *config.Registry
}

func New(registry *config.Registry) *Transformer {
	return &Transformer{registry: registry}
}

// BuildViewConfigs expands a use case into the ordered fetch list, binding
// each view's declared filter keys to remote parameter names and submitted
// values. Unset filter keys are omitted; submitted filters with no binding
// are ignored with a warning.
func (t *Transformer) BuildViewConfigs(useCase string, filters map[string]string) ([]tableau.ViewRequest, error) {
	catalog, err := t.registry.ViewCatalog(useCase)
	if err != nil {
		return nil, err
	}
	bindings, err := t.registry.FilterBindings(useCase)
	if err != nil {
		return nil, err
	}
	for key := range filters {
		if _, ok := bindings[key]; !ok {
			log.Printf("use case %s: ignoring filter %q with no configured binding", useCase, key)
		}
	}

	out := make([]tableau.ViewRequest, 0, len(catalog))
	for _, entry := range catalog {
		params := make(map[string]string)
		for _, filterKey := range entry.Config.FilterKeys {
			value, ok := filters[filterKey]
			if !ok || value == "" {
				continue
			}
			param, ok := bindings[filterKey]
			if !ok {
				log.Printf("use case %s view %s: filter key %q has no binding", useCase, entry.Key, filterKey)
				continue
			}
			params[param] = value
		}
		out = append(out, tableau.ViewRequest{
			ViewKey:      entry.Key,
			ViewName:     entry.Config.Name,
			FilterParams: params,
		})
	}
	return out, nil
}

// Transform parses one CSV payload and projects it through the view's
// column schema. Missing columns are logged and skipped; an unusable
// payload (no header, no surviving rows) is an error.
func (t *Transformer) Transform(useCase, viewKey, rawCSV string) (*ViewData, error) {
	cfg, err := t.viewConfig(useCase, viewKey)
	if err != nil {
		return nil, err
	}

	records, err := parseCSV(rawCSV)
	if err != nil {
		return nil, fmt.Errorf("view %s: parse csv: %w", viewKey, err)
	}
	header, rows := splitHeader(records)
	if header == nil {
		return nil, fmt.Errorf("view %s: csv has no header row", viewKey)
	}

	// Column index per schema entry; -1 marks a column absent from the CSV.
	indexes := make([]int, len(cfg.Columns))
	for i, col := range cfg.Columns {
		indexes[i] = -1
		if !col.IsNeededForView {
			continue
		}
		for j, name := range header {
			if strings.EqualFold(strings.TrimSpace(name), col.ColumnName) {
				indexes[i] = j
				break
			}
		}
		if indexes[i] == -1 {
			log.Printf("view %s: column %q not present in csv, skipping field %s", viewKey, col.ColumnName, col.FieldKey)
		}
	}

	shaped := make([][]Cell, 0, len(rows))
	for _, row := range rows {
		cells := make([]Cell, 0, len(cfg.Columns))
		empty := true
		for i, col := range cfg.Columns {
			if !col.IsNeededForView || indexes[i] == -1 {
				continue
			}
			value := ""
			if indexes[i] < len(row) {
				value = normalize(row[indexes[i]], col.Format)
			}
			if value != "" {
				empty = false
			}
			cells = append(cells, Cell{Field: col.FieldKey, Value: value, Format: col.Format})
		}
		if empty || len(cells) == 0 {
			continue
		}
		shaped = append(shaped, cells)
	}
	if len(shaped) == 0 {
		return nil, fmt.Errorf("view %s: no usable rows in csv", viewKey)
	}

	switch cfg.ViewType {
	case config.ViewTypeFlagCard:
		first := shaped[0][0]
		return &ViewData{Type: config.ViewTypeFlagCard, Card: &first}, nil
	case config.ViewTypeTable:
		headers := make([]Header, 0, len(cfg.Columns))
		for i, col := range cfg.Columns {
			if !col.IsNeededForView || indexes[i] == -1 {
				continue
			}
			headers = append(headers, Header{Field: col.FieldKey, DisplayName: col.DisplayName, Format: col.Format})
		}
		return &ViewData{Type: config.ViewTypeTable, Table: &Table{Headers: headers, Rows: shaped}}, nil
	default:
		return nil, fmt.Errorf("view %s: unknown view type %q", viewKey, cfg.ViewType)
	}
}

// TransformAll shapes every fetched view. Individual failures are logged
// and excluded; the caller treats an empty result for non-empty input as
// fatal.
func (t *Transformer) TransformAll(useCase string, raw map[string]string) map[string]*ViewData {
	out := make(map[string]*ViewData, len(raw))
	for viewKey, rawCSV := range raw {
		vd, err := t.Transform(useCase, viewKey, rawCSV)
		if err != nil {
			log.Printf("use case %s: transform failed: %v", useCase, err)
			continue
		}
		out[viewKey] = vd
	}
	return out
}

func (t *Transformer) viewConfig(useCase, viewKey string) (config.ViewConfig, error) {
	catalog, err := t.registry.ViewCatalog(useCase)
	if err != nil {
		return config.ViewConfig{}, err
	}
	for _, entry := range catalog {
		if entry.Key == viewKey {
			return entry.Config, nil
		}
	}
	return config.ViewConfig{}, fmt.Errorf("use case %s: view %q is not in the catalog", useCase, viewKey)
}

// parseCSV reads the payload with RFC-4180 quoting rules; rows may have
// varying field counts because Tableau pads trailing empties
// inconsistently.
func parseCSV(raw string) ([][]string, error) {
	r := csv.NewReader(strings.NewReader(raw))
	r.FieldsPerRecord = -1
	records := make([][]string, 0, 16)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

// splitHeader returns the first non-empty record as the header and the rest
// as data rows.
func splitHeader(records [][]string) ([]string, [][]string) {
	for i, rec := range records {
		if !allEmpty(rec) {
			return rec, records[i+1:]
		}
	}
	return nil, nil
}

func allEmpty(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// normalize prepares a raw cell for downstream parsing: numeric formats
// lose their thousands separators, strings are trimmed only.
func normalize(value, format string) string {
	value = strings.TrimSpace(value)
	switch format {
	case config.FormatCurrency, config.FormatNumber, config.FormatDecimal, config.FormatPercentage:
		value = strings.ReplaceAll(value, ",", "")
		value = strings.TrimPrefix(value, "$")
		value = strings.TrimSuffix(value, "%")
	}
	return value
}
