package cli

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hyperjump/kioku/internal/models"
)

func TestWriteSearchResults(t *testing.T) {
	response := &models.SearchResponse{
		Query:     "otters",
		QueryTime: 42,
		Total:     1,
		Type:      models.SearchText,
		Results: []*models.SearchResult{
			{Kind: models.EntitySource, ID: "s1", Title: "Otters", Snippet: strings.Repeat("x", 300), Score: 0.9, Rank: 1},
		},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, response, OutputJSON))
	var decoded models.SearchResponse
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "otters", decoded.Query)
	require.Len(t, decoded.Results, 1)

	buf.Reset()
	require.NoError(t, WriteSearchResults(&buf, response, OutputText))
	out := buf.String()
	assert.Contains(t, out, "Found 1 text results in 42ms")
	assert.Contains(t, out, "Title: Otters")
	assert.Contains(t, out, strings.Repeat("x", 200)+"...")
	assert.NotContains(t, out, strings.Repeat("x", 201))
}

func TestWriteSearchResults_HybridAndSuggestion(t *testing.T) {
	response := &models.SearchResponse{
		Query:      "otterz",
		Total:      1,
		Type:       models.SearchHybrid,
		Suggestion: "otters",
		Results: []*models.SearchResult{
			{Kind: models.EntitySource, ID: "s1", Score: 0.4, KeywordScore: 0, SemanticScore: 0.8, Rank: 1},
		},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteSearchResults(&buf, response, OutputText))
	out := buf.String()
	assert.Contains(t, out, "Did you mean: otters")
	assert.Contains(t, out, "Score: 0.4000 (Keyword: 0.0000, Semantic: 0.8000)")
}

func TestWriteSubmitAndReport(t *testing.T) {
	var buf bytes.Buffer
	res := &SubmitResponse{SubmitResult: models.SubmitResult{SourceID: "s1", CommandID: "c1", Status: models.StageFailed}, Error: "boom"}
	require.NoError(t, WriteSubmit(&buf, res, OutputText))
	assert.Contains(t, buf.String(), "Status:  failed")
	assert.Contains(t, buf.String(), "Error:   boom")

	buf.Reset()
	report := &models.StatusReport{Status: models.StageEmbedding, Message: "Embedding chunks", ProcessingInfo: map[string]any{"chunks": 3}}
	require.NoError(t, WriteReport(&buf, report, OutputText))
	assert.Contains(t, buf.String(), "Message: Embedding chunks")
	assert.Contains(t, buf.String(), "chunks: 3")
}

func TestWriteServerStatus(t *testing.T) {
	status := map[string]interface{}{
		"sources":          float64(2),
		"chunks":           float64(10),
		"disk_usage_bytes": float64(2048),
		"config":           map[string]interface{}{"chunk_size": float64(1000)},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteServerStatus(&buf, status, OutputText))
	out := buf.String()
	assert.Contains(t, out, "Sources:  2")
	assert.Contains(t, out, "Disk:     2.0 KiB")
	assert.Contains(t, out, "chunk_size: 1000")
}

func TestWriteLists(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteNotebooks(&buf, nil, OutputJSON))
	assert.Equal(t, "[]\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteNotebooks(&buf, []*models.Notebook{{ID: "n1", Name: "Birds", Archived: true}}, OutputText))
	assert.Equal(t, "n1  Birds (archived)\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteDirectories(&buf, nil, OutputText))
	assert.Equal(t, "No watched directories.\n", buf.String())

	buf.Reset()
	require.NoError(t, WriteRebuild(&buf, &models.RebuildResult{Mode: "all", Total: 3, Processed: 2, Failed: 1}, OutputText))
	assert.Equal(t, "Rebuilt 2 of 3 sources (all), 1 failed\n", buf.String())
}

func TestParseOutputFormat(t *testing.T) {
	f, err := ParseOutputFormat("")
	require.NoError(t, err)
	assert.Equal(t, OutputText, f)
	f, err = ParseOutputFormat("json")
	require.NoError(t, err)
	assert.Equal(t, OutputJSON, f)
	_, err = ParseOutputFormat("yaml")
	assert.ErrorIs(t, err, models.ErrInvalidInput)
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "3.0 MiB", formatBytes(3*1024*1024))
}
