package assembly

import (
	"log"
	"strconv"
	"strings"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/config"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/presentation"
	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/transform"
)

const cmPerInch = 2.54

// Engine interprets a use case's slide manifest against the transformed
// view data and emits the presentation manifest. Interpretation is pure:
// the same manifest and view data always produce the same output.
type Engine struct {
	registry *config.Registry
	palette  *Palette
}

func New(registry *config.Registry) (*Engine, error) {
	palette, err := loadPalette()
	if err != nil {
		return nil, err
	}
	return &Engine{registry: registry, palette: palette}, nil
}

func (e *Engine) Assemble(useCase string, viewData map[string]*transform.ViewData) (presentation.Manifest, error) {
	sm, err := e.registry.SlideManifest(useCase)
	if err != nil {
		return presentation.Manifest{}, err
	}

	manifest := presentation.Manifest{
		Title:  titleFromUseCase(useCase),
		Layout: sm.Layout,
		Slides: make([]presentation.Slide, 0, len(sm.Slides)),
	}
	for _, desc := range sm.Slides {
		manifest.Slides = append(manifest.Slides, e.buildSlide(useCase, desc, viewData))
	}
	return manifest, nil
}

func (e *Engine) buildSlide(useCase string, desc config.SlideDescriptor, viewData map[string]*transform.ViewData) presentation.Slide {
	slide := presentation.Slide{Name: desc.Name, Background: desc.Background}
	if desc.Title != "" {
		slide.Text = append(slide.Text, presentation.Text{
			Rect:  presentation.Rect{X: cmToIn(1.5), Y: cmToIn(0.8), W: cmToIn(30.0), H: cmToIn(2.0)},
			Align: e.palette.Align("left"),
			Runs: []presentation.TextRun{{
				Text:     desc.Title,
				Color:    e.palette.Color("ink"),
				FontFace: e.palette.Font("heading"),
				FontSize: e.palette.Defaults.HeadingSize,
				Bold:     true,
			}},
		})
	}

	for _, el := range desc.Elements {
		switch el.Type {
		case "IMAGE":
			slide.Images = append(slide.Images, presentation.Image{Path: el.Path, Rect: rectToIn(el.Position)})
		case "SHAPE":
			slide.Shapes = append(slide.Shapes, e.buildShape(el))
		case "TEXT":
			if text, ok := e.buildText(el, viewData); ok {
				slide.Text = append(slide.Text, text)
			} else {
				log.Printf("slide %s: dropping text element with unresolved binding %q", desc.Name, el.ValueKey)
			}
		case "TABLE":
			if table, ok := e.buildTable(el, viewData); ok {
				slide.Tables = append(slide.Tables, table)
			} else {
				log.Printf("slide %s: no table data for %q, emitting slide without it", desc.Name, el.DataKey)
			}
		case "CHART":
			if chart, ok := e.buildChart(el, viewData); ok {
				slide.Charts = append(slide.Charts, chart)
			} else {
				log.Printf("slide %s: no chart data for %q, emitting slide without it", desc.Name, el.DataKey)
			}
		default:
			log.Printf("use case %s slide %s: unknown element type %q", useCase, desc.Name, el.Type)
		}
	}
	return slide
}

func (e *Engine) buildShape(el config.Element) presentation.Shape {
	kind := el.Shape
	switch kind {
	case "LINE", "RECTANGLE", "CIRCLE":
	default:
		kind = "RECTANGLE"
	}
	return presentation.Shape{
		Kind:   kind,
		Rect:   rectToIn(el.Position),
		Fill:   e.palette.Color(el.Options.Fill),
		Line:   e.palette.Color(el.Options.Color),
		Shadow: el.Shadow,
	}
}

// buildText resolves either the single-string form or the segment list.
// A segment bound to missing view data uses its fallback; with no fallback
// the whole element is dropped and the caller logs it.
func (e *Engine) buildText(el config.Element, viewData map[string]*transform.ViewData) (presentation.Text, bool) {
	text := presentation.Text{
		Rect:  rectToIn(el.Position),
		Align: e.palette.Align(el.Options.Align),
	}

	if len(el.Segments) == 0 {
		value := el.Text
		if el.ValueKey != "" {
			resolved, ok := e.resolveValue(el.ValueKey, viewData)
			if !ok {
				if el.Fallback == "" {
					return presentation.Text{}, false
				}
				resolved = el.Fallback
			}
			value = resolved
		}
		text.Runs = []presentation.TextRun{e.buildRun(value, el.Options)}
		return text, true
	}

	runs := make([]presentation.TextRun, 0, len(el.Segments))
	for _, seg := range el.Segments {
		value := seg.Text
		if seg.ValueKey != "" {
			resolved, ok := e.resolveValue(seg.ValueKey, viewData)
			if !ok {
				if seg.Fallback == "" {
					return presentation.Text{}, false
				}
				resolved = seg.Fallback
			}
			value = resolved
		}
		opts := seg.Options
		if opts.Color == "" {
			opts.Color = el.Options.Color
		}
		if opts.FontSize == 0 {
			opts.FontSize = el.Options.FontSize
		}
		runs = append(runs, e.buildRun(value, opts))
	}
	text.Runs = runs
	return text, true
}

func (e *Engine) buildRun(value string, opts config.StyleOptions) presentation.TextRun {
	size := opts.FontSize
	if size == 0 {
		size = e.palette.Defaults.FontSize
	}
	return presentation.TextRun{
		Text:     value,
		Color:    e.palette.Color(opts.Color),
		FontFace: e.palette.Font(opts.FontFace),
		FontSize: size,
		Bold:     opts.Bold,
	}
}

// resolveValue reads a flag-card binding and formats it for display.
func (e *Engine) resolveValue(valueKey string, viewData map[string]*transform.ViewData) (string, bool) {
	vd, ok := viewData[valueKey]
	if !ok || vd.Card == nil {
		return "", false
	}
	return FormatValue(vd.Card.Value, vd.Card.Format), true
}

func (e *Engine) buildTable(el config.Element, viewData map[string]*transform.ViewData) (presentation.Table, bool) {
	vd, ok := viewData[el.DataKey]
	if !ok || vd.Table == nil {
		return presentation.Table{}, false
	}
	src := vd.Table

	headerRow := make([]presentation.TableCell, len(src.Headers))
	for i, h := range src.Headers {
		headerRow[i] = presentation.TableCell{
			Text:  h.DisplayName,
			Bold:  true,
			Fill:  e.palette.Color(el.Options.Fill),
			Color: e.palette.Color("highlight"),
		}
	}
	rows := make([][]presentation.TableCell, len(src.Rows))
	for i, row := range src.Rows {
		cells := make([]presentation.TableCell, len(row))
		for j, cell := range row {
			cells[j] = presentation.TableCell{
				Text:  FormatValue(cell.Value, cell.Format),
				Color: e.palette.Color("ink"),
			}
		}
		rows[i] = cells
	}

	borders := presentation.Borders{}
	if el.Borders != nil {
		borders = presentation.Borders{
			Outer:       el.Borders.Outer,
			HeaderRow:   el.Borders.HeaderRow,
			FirstColumn: el.Borders.FirstColumn,
			Internal:    el.Borders.Internal,
		}
	}
	return presentation.Table{
		Rect:         rectToIn(el.Position),
		ColumnWidths: columnWidths(el, headerRow, rows),
		Borders:      borders,
		HeaderRow:    headerRow,
		Rows:         rows,
	}, true
}

// columnWidths uses explicit manifest widths when present (centimetres,
// like positions); otherwise each column is sized to its widest cell and
// scaled so the columns fill the table rectangle.
func columnWidths(el config.Element, header []presentation.TableCell, rows [][]presentation.TableCell) []float64 {
	if len(el.ColumnWidths) == len(header) && len(header) > 0 {
		out := make([]float64, len(el.ColumnWidths))
		for i, w := range el.ColumnWidths {
			out[i] = cmToIn(w)
		}
		return out
	}
	if len(header) == 0 {
		return nil
	}
	widest := make([]float64, len(header))
	total := 0.0
	for i, cell := range header {
		widest[i] = float64(len(cell.Text))
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widest) && float64(len(cell.Text)) > widest[i] {
				widest[i] = float64(len(cell.Text))
			}
		}
	}
	for i := range widest {
		if widest[i] < 1 {
			widest[i] = 1
		}
		total += widest[i]
	}
	tableWidth := cmToIn(el.Position.W)
	out := make([]float64, len(widest))
	for i := range widest {
		out[i] = round2(tableWidth * widest[i] / total)
	}
	return out
}

func (e *Engine) buildChart(el config.Element, viewData map[string]*transform.ViewData) (presentation.Chart, bool) {
	vd, ok := viewData[el.DataKey]
	if !ok || vd.Table == nil {
		return presentation.Chart{}, false
	}
	kind := el.Chart
	switch kind {
	case "BAR", "LINE", "PIE", "BAR_LINE":
	default:
		log.Printf("unknown chart kind %q, defaulting to BAR", el.Chart)
		kind = "BAR"
	}
	src := vd.Table

	// The category axis is the first string column; every numeric column
	// becomes a series.
	categoryIdx := -1
	for i, h := range src.Headers {
		if h.Format == config.FormatString {
			categoryIdx = i
			break
		}
	}
	if categoryIdx == -1 {
		return presentation.Chart{}, false
	}
	categories := make([]string, len(src.Rows))
	for i, row := range src.Rows {
		if categoryIdx < len(row) {
			categories[i] = row[categoryIdx].Value
		}
	}

	lineSeries := make(map[string]bool, len(el.LineSeries))
	for _, name := range el.LineSeries {
		lineSeries[name] = true
	}

	series := make([]presentation.Series, 0, len(src.Headers))
	for i, h := range src.Headers {
		if h.Format == config.FormatString {
			continue
		}
		values := make([]float64, len(src.Rows))
		for j, row := range src.Rows {
			if i < len(row) {
				if n, err := strconv.ParseFloat(row[i].Value, 64); err == nil {
					values[j] = n
				}
			}
		}
		s := presentation.Series{Name: h.DisplayName, Kind: "BAR", Values: values}
		switch kind {
		case "LINE":
			s.Kind = "LINE"
		case "PIE":
			s.Kind = "PIE"
		case "BAR_LINE":
			if lineSeries[h.DisplayName] || lineSeries[h.Field] {
				s.Kind = "LINE"
				s.Secondary = el.SecondaryAxis
			}
		}
		series = append(series, s)
		// A pie chart carries exactly one value series.
		if kind == "PIE" {
			break
		}
	}
	if len(series) == 0 {
		return presentation.Chart{}, false
	}
	return presentation.Chart{
		Rect:       rectToIn(el.Position),
		Kind:       kind,
		Categories: categories,
		Series:     series,
	}, true
}

func rectToIn(b config.Box) presentation.Rect {
	return presentation.Rect{X: cmToIn(b.X), Y: cmToIn(b.Y), W: cmToIn(b.W), H: cmToIn(b.H)}
}

func cmToIn(v float64) float64 {
	return round2(v / cmPerInch)
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

func titleFromUseCase(useCase string) string {
	words := strings.Split(strings.ToLower(useCase), "_")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
