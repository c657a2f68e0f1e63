package assembly

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed palette.yaml
var paletteYAML []byte

// Palette maps the style tokens used in slide manifests (named colors,
// fonts, alignment defaults) onto concrete renderer values.
type Palette struct {
	Colors   map[string]string `yaml:"colors"`
	Fonts    map[string]string `yaml:"fonts"`
	Defaults struct {
		FontSize    float64 `yaml:"fontSize"`
		HeadingSize float64 `yaml:"headingSize"`
		Align       string  `yaml:"align"`
	} `yaml:"defaults"`
}

var hexColor = regexp.MustCompile(`^[0-9A-Fa-f]{6}$`)

func loadPalette() (*Palette, error) {
	var p Palette
	if err := yaml.Unmarshal(paletteYAML, &p); err != nil {
		return nil, fmt.Errorf("parse palette: %w", err)
	}
	if len(p.Colors) == 0 {
		return nil, fmt.Errorf("palette defines no colors")
	}
	if p.Defaults.FontSize <= 0 {
		p.Defaults.FontSize = 14
	}
	if p.Defaults.HeadingSize <= 0 {
		p.Defaults.HeadingSize = 24
	}
	if p.Defaults.Align == "" {
		p.Defaults.Align = "left"
	}
	return &p, nil
}

// Color resolves a token to a hex value. Literal hex passes through;
// unknown tokens fall back to ink so a palette typo never blanks text.
func (p *Palette) Color(token string) string {
	if token == "" {
		return p.Colors["ink"]
	}
	if v, ok := p.Colors[token]; ok {
		return v
	}
	cleaned := strings.TrimPrefix(token, "#")
	if hexColor.MatchString(cleaned) {
		return strings.ToUpper(cleaned)
	}
	return p.Colors["ink"]
}

func (p *Palette) Align(align string) string {
	switch align {
	case "left", "center", "right":
		return align
	}
	return p.Defaults.Align
}

func (p *Palette) Font(name string) string {
	if v, ok := p.Fonts[name]; ok {
		return v
	}
	if name != "" {
		return name
	}
	return p.Fonts["body"]
}
