package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/makeasinger/bulkgen/internal/model"
)

const moodRequest = `{
	"name": "moods",
	"workflow": "sdxl-basic",
	"templates": [{"label": "portrait", "template": "a {{mood}} portrait"}],
	"placeholderValues": [{"key": "mood", "values": ["calm", "wild"]}],
	"negativePrompt": "blurry"
}`

func runCLI(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { countOnly = false })
	err := rootCmd.Execute()
	return out.String(), err
}

func TestExpandCommand(t *testing.T) {
	out, err := runCLI(t, moodRequest, "expand")
	require.NoError(t, err)

	var result struct {
		Job     model.Job          `json:"job"`
		Prompts []model.TestPrompt `json:"prompts"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &result))
	assert.Equal(t, "moods", result.Job.Name)
	require.Len(t, result.Prompts, 4, "two moods with and without the negative prompt")
	assert.Equal(t, "a calm portrait", result.Prompts[0].PromptText)
}

func TestExpandCommand_Count(t *testing.T) {
	out, err := runCLI(t, moodRequest, "expand", "--count")
	require.NoError(t, err)
	assert.Equal(t, "4\n", out)
}

func TestExpandCommand_RejectsInvalidRequest(t *testing.T) {
	_, err := runCLI(t, `{"workflow": "x"}`, "expand")
	assert.Error(t, err)
}
