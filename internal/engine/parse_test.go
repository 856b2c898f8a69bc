package engine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseOutput_SingleLine(t *testing.T) {
	out := ParseOutput("SUMMARY: ok\n")
	require.Equal(t, "ok", out["SUMMARY"])
}

func TestParseOutput_Multiline(t *testing.T) {
	raw := "SUMMARY: line one\nline two\nSTATUS: done\n"
	out := ParseOutput(raw)
	require.Equal(t, "line one\nline two", out["SUMMARY"])
	require.Equal(t, "done", out["STATUS"])
}

func TestParseOutput_BareKeyIsEmpty(t *testing.T) {
	out := ParseOutput("NOTES:\nSTATUS: ok\n")
	require.Equal(t, "", out["NOTES"])
	require.Equal(t, "ok", out["STATUS"])
}

func TestResolveTemplate_Substitutes(t *testing.T) {
	tmpl := "Implement: {{SUMMARY}}. Priority: {{PRIORITY}}."
	outputs := map[string]string{"SUMMARY": "add auth"}
	got := ResolveTemplate(tmpl, outputs)
	require.Equal(t, "Implement: add auth. Priority: [missing: PRIORITY].", got)
}

func TestExtractStories(t *testing.T) {
	outputs := ParseOutput(`STORIES_JSON: [{"story_id":"a","title":"A","input":"do A"},{"story_id":"b","title":"B","input":"do B"}]`)
	stories, err := ExtractStories(outputs)
	require.NoError(t, err)
	require.Len(t, stories, 2)
	require.Equal(t, "a", stories[0].StoryID)
	require.Equal(t, "do B", stories[1].Input)
}

func TestExtractStories_MissingKey(t *testing.T) {
	_, err := ExtractStories(map[string]string{})
	require.Error(t, err)
}

func TestExtractStories_InvalidJSON(t *testing.T) {
	_, err := ExtractStories(map[string]string{"STORIES_JSON": "not json"})
	require.Error(t, err)
}

func TestMergeOutputs_LaterWins(t *testing.T) {
	a := map[string]string{"SUMMARY": "first"}
	b := map[string]string{"SUMMARY": "second", "EXTRA": "x"}
	merged := MergeOutputs(a, b)
	require.Equal(t, "second", merged["SUMMARY"])
	require.Equal(t, "x", merged["EXTRA"])
}
