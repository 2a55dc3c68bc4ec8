package reporting

import (
	"errors"
	"fmt"

	"trade-evidence-lab/internal/domain"
)

// Export formats.
const (
	FormatMarkdown     = "markdown"
	FormatRegimesCSV   = "regimes_csv"
	FormatAnomaliesCSV = "anomalies_csv"
)

// ErrUnknownFormat is returned by Export for an unsupported format.
var ErrUnknownFormat = errors.New("unknown export format")

// Export renders ev in format and returns the body, its content type and
// the file extension.
func Export(format string, ev *domain.Evidence) (body, contentType, ext string, err error) {
	switch format {
	case FormatMarkdown:
		return RenderMarkdown(ev), "text/markdown; charset=utf-8", "md", nil
	case FormatRegimesCSV:
		return RenderRegimeCSV(ev), "text/csv; charset=utf-8", "csv", nil
	case FormatAnomaliesCSV:
		return RenderAnomalyCSV(ev.Anomalies), "text/csv; charset=utf-8", "csv", nil
	}
	return "", "", "", fmt.Errorf("%w: %q", ErrUnknownFormat, format)
}
