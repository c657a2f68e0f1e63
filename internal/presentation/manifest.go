package presentation

// Manifest is the assembled presentation: pure data, no render state. The
// binary deck writer turns it into bytes; nothing downstream mutates it.
type Manifest struct {
	Title  string  `json:"title"`
	Layout string  `json:"layout"`
	Slides []Slide `json:"slides"`
}

type Slide struct {
	Name       string  `json:"name,omitempty"`
	Background string  `json:"background,omitempty"`
	Images     []Image `json:"images,omitempty"`
	Shapes     []Shape `json:"shapes,omitempty"`
	Text       []Text  `json:"text,omitempty"`
	Tables     []Table `json:"tables,omitempty"`
	Charts     []Chart `json:"charts,omitempty"`
}

// Rect is a placement rectangle in inches.
type Rect struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	W float64 `json:"w"`
	H float64 `json:"h"`
}

type Image struct {
	Path string `json:"path"`
	Rect Rect   `json:"rect"`
}

type Shape struct {
	Kind   string `json:"kind"`
	Rect   Rect   `json:"rect"`
	Fill   string `json:"fill,omitempty"`
	Line   string `json:"line,omitempty"`
	Shadow bool   `json:"shadow,omitempty"`
}

// TextRun is one styled segment inside a text element.
type TextRun struct {
	Text     string  `json:"text"`
	Color    string  `json:"color,omitempty"`
	FontFace string  `json:"fontFace,omitempty"`
	FontSize float64 `json:"fontSize,omitempty"`
	Bold     bool    `json:"bold,omitempty"`
}

type Text struct {
	Rect  Rect      `json:"rect"`
	Align string    `json:"align,omitempty"`
	Runs  []TextRun `json:"runs"`
}

type TableCell struct {
	Text  string `json:"text"`
	Bold  bool   `json:"bold,omitempty"`
	Fill  string `json:"fill,omitempty"`
	Color string `json:"color,omitempty"`
}

type Borders struct {
	Outer       bool `json:"outer"`
	HeaderRow   bool `json:"headerRow"`
	FirstColumn bool `json:"firstColumn"`
	Internal    bool `json:"internal"`
}

type Table struct {
	Rect         Rect          `json:"rect"`
	ColumnWidths []float64     `json:"columnWidths"`
	Borders      Borders       `json:"borders"`
	HeaderRow    []TableCell   `json:"headerRow"`
	Rows         [][]TableCell `json:"rows"`
}

// Series is one chart data series. Kind distinguishes the bar and line
// halves of a combo chart; Secondary targets the right-hand value axis.
type Series struct {
	Name      string    `json:"name"`
	Kind      string    `json:"kind"`
	Values    []float64 `json:"values"`
	Secondary bool      `json:"secondary,omitempty"`
}

type Chart struct {
	Rect       Rect     `json:"rect"`
	Kind       string   `json:"kind"`
	Categories []string `json:"categories"`
	Series     []Series `json:"series"`
}
