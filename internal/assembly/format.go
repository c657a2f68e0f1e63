package assembly

import (
	"fmt"
	"math"
	"strconv"

	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/pavan-kumar-miq/tableau-ppt-export/internal/config"
)

var english = message.NewPrinter(language.English)

// FormatValue renders a normalized cell value for display:
//
//	CURRENCY   -> "$" plus grouped number
//	PERCENTAGE -> two decimals plus "%"
//	DECIMAL    -> two decimals
//	NUMBER     -> grouped integer
//	STRING     -> unchanged
//
// Non-numeric input under a numeric format falls through to string
// coercion.
func FormatValue(value, format string) string {
	switch format {
	case config.FormatCurrency:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return "$" + groupNumber(n)
	case config.FormatPercentage:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return fmt.Sprintf("%.2f%%", n)
	case config.FormatDecimal:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return fmt.Sprintf("%.2f", n)
	case config.FormatNumber:
		n, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return value
		}
		return english.Sprintf("%d", int64(math.Round(n)))
	default:
		return value
	}
}

// groupNumber applies en-US grouping; whole numbers drop the fraction, the
// rest keep two decimals.
func groupNumber(n float64) string {
	if n == math.Trunc(n) {
		return english.Sprintf("%d", int64(n))
	}
	whole := math.Trunc(n)
	frac := math.Abs(n - whole)
	return english.Sprintf("%d", int64(whole)) + fmt.Sprintf("%.2f", frac)[1:]
}
