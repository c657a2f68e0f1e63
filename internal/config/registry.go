package config

import (
	"embed"
	"encoding/json"
	"fmt"
)

// Manifests holds the declarative use-case configuration shipped with the
// binary. All three files are parsed once at startup; invalid content is a
// startup failure, not a runtime one.
//
//go:embed manifests/*.json
var manifestFS embed.FS

// Value formats understood by the transformer and the assembly engine.
const (
	FormatCurrency   = "CURRENCY"
	FormatNumber     = "NUMBER"
	FormatDecimal    = "DECIMAL"
	FormatPercentage = "PERCENTAGE"
	FormatString     = "STRING"
)

const (
	ViewTypeFlagCard = "FLAG_CARD"
	ViewTypeTable    = "TABLE"
)

const DefaultLayout = "LAYOUT_WIDE"

type UseCaseMeta struct {
	WorkbookName string `json:"workbookName"`
	SiteName     string `json:"siteName"`
}

type ColumnSchema struct {
	FieldKey        string `json:"fieldKey"`
	ColumnName      string `json:"columnName"`
	DisplayName     string `json:"displayName"`
	Format          string `json:"format"`
	IsNeededForView bool   `json:"isNeededForView"`
}

type ViewConfig struct {
	Name       string         `json:"name"`
	ViewType   string         `json:"viewType"`
	Columns    []ColumnSchema `json:"columns"`
	FilterKeys []string       `json:"filterKeys,omitempty"`
}

// ViewEntry pairs a logical view key with its config. The catalog is a slice
// so iteration order always follows the manifest.
type ViewEntry struct {
	Key    string     `json:"key"`
	Config ViewConfig `json:"config"`
}

type viewManifest struct {
	Views   []viewManifestEntry `json:"VIEWS"`
	Filters map[string]string   `json:"FILTERS"`
}

type viewManifestEntry struct {
	Key        string         `json:"key"`
	Name       string         `json:"name"`
	ViewType   string         `json:"viewType"`
	Columns    []ColumnSchema `json:"columns"`
	FilterKeys []string       `json:"filterKeys,omitempty"`
}

// Box is a rectangle in centimetres; the assembly engine converts to inches.
type Box struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type StyleOptions struct {
	Color    string  `json:"color,omitempty"`
	Fill     string  `json:"fill,omitempty"`
	Align    string  `json:"align,omitempty"`
	FontFace string  `json:"fontFace,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
	Bold     bool    `json:"bold,omitempty"`
}

type TextSegment struct {
	Text     string       `json:"text,omitempty"`
	ValueKey string       `json:"valueKey,omitempty"`
	Fallback string       `json:"fallback,omitempty"`
	Options  StyleOptions `json:"options,omitempty"`
}

type BorderRules struct {
	Outer       bool `json:"outer"`
	HeaderRow   bool `json:"headerRow"`
	FirstColumn bool `json:"firstColumn"`
	Internal    bool `json:"internal"`
}

// Element is one declarative slide element. Only the fields relevant to its
// Type are set; the assembly engine validates bindings at render time.
type Element struct {
	Type     string       `json:"type"`
	Position Box          `json:"position"`
	Options  StyleOptions `json:"options,omitempty"`

	// IMAGE
	Path string `json:"path,omitempty"`

	// SHAPE
	Shape  string `json:"shape,omitempty"`
	Shadow bool   `json:"shadow,omitempty"`

	// TEXT
	Text     string        `json:"text,omitempty"`
	Segments []TextSegment `json:"segments,omitempty"`
	ValueKey string        `json:"valueKey,omitempty"`
	Fallback string        `json:"fallback,omitempty"`

	// TABLE / CHART
	DataKey      string       `json:"dataKey,omitempty"`
	ColumnWidths []float64    `json:"columnWidths,omitempty"`
	Borders      *BorderRules `json:"borders,omitempty"`

	// CHART
	Chart         string   `json:"chart,omitempty"`
	LineSeries    []string `json:"lineSeries,omitempty"`
	SecondaryAxis bool     `json:"secondaryAxis,omitempty"`
}

type SlideDescriptor struct {
	Name       string    `json:"name"`
	Background string    `json:"background,omitempty"`
	Title      string    `json:"title,omitempty"`
	Elements   []Element `json:"elements"`
}

type SlideManifest struct {
	Layout string            `json:"layout,omitempty"`
	Slides []SlideDescriptor `json:"slides"`
}

// Registry exposes the three startup-loaded lookups. It is immutable after
// Load and safe for concurrent readers.
type Registry struct {
	useCases map[string]UseCaseMeta
	catalogs map[string][]ViewEntry
	filters  map[string]map[string]string
	slides   map[string]SlideManifest
	order    []string
}

type UseCaseNotFoundError struct {
	UseCase string
}

func (e *UseCaseNotFoundError) Error() string {
	return fmt.Sprintf("use case %q is not configured", e.UseCase)
}

func LoadRegistry() (*Registry, error) {
	mapping, err := manifestFS.ReadFile("manifests/usecase-mapping.json")
	if err != nil {
		return nil, fmt.Errorf("read usecase-mapping: %w", err)
	}
	views, err := manifestFS.ReadFile("manifests/tableau-views.json")
	if err != nil {
		return nil, fmt.Errorf("read tableau-views: %w", err)
	}
	slides, err := manifestFS.ReadFile("manifests/slide-view-mapping.json")
	if err != nil {
		return nil, fmt.Errorf("read slide-view-mapping: %w", err)
	}
	return ParseRegistry(mapping, views, slides)
}

// ParseRegistry builds a registry from raw manifest bytes. Split out of
// LoadRegistry so tests can feed synthetic manifests.
func ParseRegistry(mapping, views, slides []byte) (*Registry, error) {
	r := &Registry{
		useCases: make(map[string]UseCaseMeta),
		catalogs: make(map[string][]ViewEntry),
		filters:  make(map[string]map[string]string),
		slides:   make(map[string]SlideManifest),
	}

	if err := json.Unmarshal(mapping, &r.useCases); err != nil {
		return nil, fmt.Errorf("parse usecase-mapping: %w", err)
	}

	var rawViews map[string]viewManifest
	if err := json.Unmarshal(views, &rawViews); err != nil {
		return nil, fmt.Errorf("parse tableau-views: %w", err)
	}
	var rawSlides map[string]SlideManifest
	if err := json.Unmarshal(slides, &rawSlides); err != nil {
		return nil, fmt.Errorf("parse slide-view-mapping: %w", err)
	}

	for useCase, meta := range r.useCases {
		if meta.WorkbookName == "" || meta.SiteName == "" {
			return nil, fmt.Errorf("use case %s: workbookName and siteName are required", useCase)
		}
		vm, ok := rawViews[useCase]
		if !ok || len(vm.Views) == 0 {
			return nil, fmt.Errorf("use case %s: no views configured", useCase)
		}
		catalog := make([]ViewEntry, 0, len(vm.Views))
		for _, v := range vm.Views {
			if v.Key == "" || v.Name == "" {
				return nil, fmt.Errorf("use case %s: view entries need key and name", useCase)
			}
			if v.ViewType != ViewTypeFlagCard && v.ViewType != ViewTypeTable {
				return nil, fmt.Errorf("use case %s view %s: unknown viewType %q", useCase, v.Key, v.ViewType)
			}
			if len(v.Columns) == 0 {
				return nil, fmt.Errorf("use case %s view %s: column schema is empty", useCase, v.Key)
			}
			for _, col := range v.Columns {
				if !validFormat(col.Format) {
					return nil, fmt.Errorf("use case %s view %s column %s: unknown format %q", useCase, v.Key, col.FieldKey, col.Format)
				}
			}
			catalog = append(catalog, ViewEntry{Key: v.Key, Config: ViewConfig{
				Name:       v.Name,
				ViewType:   v.ViewType,
				Columns:    v.Columns,
				FilterKeys: v.FilterKeys,
			}})
		}
		r.catalogs[useCase] = catalog
		if vm.Filters == nil {
			vm.Filters = map[string]string{}
		}
		r.filters[useCase] = vm.Filters

		sm, ok := rawSlides[useCase]
		if !ok || len(sm.Slides) == 0 {
			return nil, fmt.Errorf("use case %s: no slide manifest", useCase)
		}
		if sm.Layout == "" {
			sm.Layout = DefaultLayout
		}
		r.slides[useCase] = sm
		r.order = append(r.order, useCase)
	}
	return r, nil
}

func validFormat(f string) bool {
	switch f {
	case FormatCurrency, FormatNumber, FormatDecimal, FormatPercentage, FormatString:
		return true
	}
	return false
}

func (r *Registry) UseCaseMeta(useCase string) (UseCaseMeta, error) {
	meta, ok := r.useCases[useCase]
	if !ok {
		return UseCaseMeta{}, &UseCaseNotFoundError{UseCase: useCase}
	}
	return meta, nil
}

// ViewCatalog returns the ordered view catalog for a use case. Callers must
// not mutate the returned slice.
func (r *Registry) ViewCatalog(useCase string) ([]ViewEntry, error) {
	catalog, ok := r.catalogs[useCase]
	if !ok {
		return nil, &UseCaseNotFoundError{UseCase: useCase}
	}
	return catalog, nil
}

func (r *Registry) FilterBindings(useCase string) (map[string]string, error) {
	bindings, ok := r.filters[useCase]
	if !ok {
		return nil, &UseCaseNotFoundError{UseCase: useCase}
	}
	return bindings, nil
}

func (r *Registry) SlideManifest(useCase string) (SlideManifest, error) {
	sm, ok := r.slides[useCase]
	if !ok {
		return SlideManifest{}, &UseCaseNotFoundError{UseCase: useCase}
	}
	return sm, nil
}

// UseCases lists configured use cases; order is not significant.
func (r *Registry) UseCases() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}
