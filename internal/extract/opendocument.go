package extract

import (
	"fmt"
	"regexp"
)

const openDocumentContentPath = "content.xml"

// odText matches paragraphs, headings and spans in document order. Nested markup inside an
// element is skipped; only leaf text is captured.
var odText = regexp.MustCompile(`<text:(?:p|h|span)[^>]*>([^<]*)</text:(?:p|h|span)>`)

// extractOpenDocument extracts text from OpenDocument presentations and spreadsheets (.odp, .ods),
// which keep their body in content.xml.
func extractOpenDocument(content []byte) (string, error) {
	zr, err := openZip(content, "OpenDocument")
	if err != nil {
		return "", err
	}
	data, err := readZipFile(zr, openDocumentContentPath)
	if err != nil {
		return "", fmt.Errorf("extract OpenDocument: %w", err)
	}
	if data == nil {
		return "", fmt.Errorf("extract OpenDocument: %s not found", openDocumentContentPath)
	}
	return joinMatches(odText, string(data), "\n"), nil
}
