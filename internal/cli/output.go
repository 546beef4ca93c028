package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/hyperjump/kioku/internal/models"
	"github.com/hyperjump/kioku/pkg/utils"
)

// OutputFormat selects how command results are printed.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

// ParseOutputFormat accepts "text" (or empty) and "json".
func ParseOutputFormat(s string) (OutputFormat, error) {
	switch OutputFormat(s) {
	case "", OutputText:
		return OutputText, nil
	case OutputJSON:
		return OutputJSON, nil
	}
	return "", fmt.Errorf("%w: unknown output format %q", models.ErrInvalidInput, s)
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSearchResults writes search results to w in the given format.
func WriteSearchResults(w io.Writer, response *models.SearchResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d %s results in %dms\n\n", response.Total, response.Type, response.QueryTime)
	if response.Suggestion != "" {
		fmt.Fprintf(w, "Did you mean: %s\n\n", response.Suggestion)
	}
	for _, r := range response.Results {
		fmt.Fprintf(w, "─────────────────────────────────────────────────────────\n")
		if response.Type == models.SearchHybrid {
			fmt.Fprintf(w, "[%d] %s %s | Score: %.4f (Keyword: %.4f, Semantic: %.4f)\n",
				r.Rank, r.Kind, r.ID, r.Score, r.KeywordScore, r.SemanticScore)
		} else {
			fmt.Fprintf(w, "[%d] %s %s | Score: %.4f\n", r.Rank, r.Kind, r.ID, r.Score)
		}
		if r.Title != "" {
			fmt.Fprintf(w, "Title: %s\n", r.Title)
		}
		if r.ChunkID != "" {
			fmt.Fprintf(w, "Chunk: #%d\n", r.Ordinal)
		}
		fmt.Fprintf(w, "\n%s\n\n", utils.Truncate(r.Snippet, 200))
	}
	return nil
}

// WriteSubmit prints the result of adding or reprocessing a source.
func WriteSubmit(w io.Writer, res *SubmitResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	fmt.Fprintf(w, "Source:  %s\nCommand: %s\nStatus:  %s\n", res.SourceID, res.CommandID, res.Status)
	if res.Error != "" {
		fmt.Fprintf(w, "Error:   %s\n", res.Error)
	}
	return nil
}

// WriteReport prints a source status report.
func WriteReport(w io.Writer, report *models.StatusReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, report)
	}
	fmt.Fprintf(w, "Status:  %s\nMessage: %s\n", report.Status, report.Message)
	if report.CommandID != "" {
		fmt.Fprintf(w, "Command: %s\n", report.CommandID)
	}
	keys := make([]string, 0, len(report.ProcessingInfo))
	for k := range report.ProcessingInfo {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %s: %v\n", k, report.ProcessingInfo[k])
	}
	return nil
}

// WriteServerStatus prints the server status document.
func WriteServerStatus(w io.Writer, status map[string]interface{}, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, status)
	}
	fmt.Fprintln(w, "Kioku status")
	fmt.Fprintln(w, "------------")
	fmt.Fprintf(w, "Sources:  %v\n", status["sources"])
	fmt.Fprintf(w, "Chunks:   %v\n", status["chunks"])
	if v, ok := status["disk_usage_bytes"].(float64); ok {
		fmt.Fprintf(w, "Disk:     %s\n", formatBytes(int64(v)))
	}
	if m, ok := status["models"].(map[string]interface{}); ok {
		fmt.Fprintf(w, "Model:    %v (providers: %v)\n", m["default"], m["providers"])
	}
	if cfg, ok := status["config"].(map[string]interface{}); ok {
		keys := make([]string, 0, len(cfg))
		for k := range cfg {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprintln(w, "\nConfig")
		for _, k := range keys {
			fmt.Fprintf(w, "  %s: %v\n", k, cfg[k])
		}
	}
	return nil
}

// WriteNotebooks prints notebooks one per line.
func WriteNotebooks(w io.Writer, nbs []*models.Notebook, format OutputFormat) error {
	if format == OutputJSON {
		if nbs == nil {
			nbs = []*models.Notebook{}
		}
		return WriteJSON(w, nbs)
	}
	if len(nbs) == 0 {
		fmt.Fprintln(w, "No notebooks.")
		return nil
	}
	for _, nb := range nbs {
		line := fmt.Sprintf("%s  %s", nb.ID, nb.Name)
		if nb.Archived {
			line += " (archived)"
		}
		if nb.Description != "" {
			line += " - " + utils.Truncate(nb.Description, 60)
		}
		fmt.Fprintln(w, line)
	}
	return nil
}

// WriteRebuild prints a rebuild summary.
func WriteRebuild(w io.Writer, res *models.RebuildResult, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, res)
	}
	fmt.Fprintf(w, "Rebuilt %d of %d sources (%s), %d failed\n", res.Processed, res.Total, res.Mode, res.Failed)
	return nil
}

// WriteDirectories prints watched directories one per line.
func WriteDirectories(w io.Writer, dirs []string, format OutputFormat) error {
	if format == OutputJSON {
		if dirs == nil {
			dirs = []string{}
		}
		return WriteJSON(w, map[string][]string{"directories": dirs})
	}
	if len(dirs) == 0 {
		fmt.Fprintln(w, "No watched directories.")
		return nil
	}
	for _, d := range dirs {
		fmt.Fprintln(w, d)
	}
	return nil
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
