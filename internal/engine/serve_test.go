package engine

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dbsmedya/goscope/internal/artifact"
)

// toolResponse is the JSON-RPC envelope of a tools/call answer.
type toolResponse struct {
	Result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func callTool(t *testing.T, e *Engine, name string, args map[string]any) toolResponse {
	t.Helper()
	req, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"method":  "tools/call",
		"id":      1,
		"params":  map[string]any{"name": name, "arguments": args},
	})
	require.NoError(t, err)

	result := e.NewServer("test").HandleMessage(context.Background(), req)
	resultBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var resp toolResponse
	require.NoError(t, json.Unmarshal(resultBytes, &resp))
	require.Nil(t, resp.Error)
	require.Len(t, resp.Result.Content, 1)
	return resp
}

func TestServer_ListsTools(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))

	result := e.NewServer("test").HandleMessage(context.Background(), []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`))
	resultBytes, err := json.Marshal(result)
	require.NoError(t, err)

	var response struct {
		Result struct {
			Tools []struct {
				Name        string `json:"name"`
				Annotations struct {
					DestructiveHint *bool `json:"destructiveHint"`
				} `json:"annotations"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(resultBytes, &response))

	found := map[string]bool{}
	for _, tool := range response.Result.Tools {
		found[tool.Name] = true
		if tool.Name == "load" {
			require.NotNil(t, tool.Annotations.DestructiveHint)
			assert.True(t, *tool.Annotations.DestructiveHint)
		}
	}
	for _, name := range []string{"extract", "anonymize", "validate", "load", "plan", "estimate", "run"} {
		assert.True(t, found[name], "tool %s should be registered", name)
	}
}

func TestServer_ExtractReturnsManifest(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))

	resp := callTool(t, e, "extract", map[string]any{
		"scope_filter":     map[string]any{"key": "district_id", "value": "district-001"},
		"extraction_order": []string{"schools", "students", "enrollments"},
	})

	require.False(t, resp.Result.IsError, resp.Result.Content[0].Text)
	var m artifact.ExtractionManifest
	require.NoError(t, json.Unmarshal([]byte(resp.Result.Content[0].Text), &m))
	assert.Equal(t, "district-001", m.Scope.Value)
	assert.Len(t, m.Units, 3)
}

func TestServer_InvalidRequestIsToolError(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))

	resp := callTool(t, e, "anonymize", map[string]any{"input_location": "/tmp/in"})

	require.True(t, resp.Result.IsError)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Result.Content[0].Text), &body))
	assert.True(t, body.Error)
	assert.Equal(t, "InvalidRequest", body.Code)
	assert.Nil(t, body.Details)
}

func TestServer_ArgumentTypeMismatch(t *testing.T) {
	e := newTestEngine(t, testConfig(t, sisDatabase(t, false), ""))

	resp := callTool(t, e, "validate", map[string]any{"data_location": 42})

	require.True(t, resp.Result.IsError)
	assert.Contains(t, resp.Result.Content[0].Text, "InvalidRequest")
}

func TestServer_LoadPreconditionCarriesCode(t *testing.T) {
	cfg := testConfig(t, sisDatabase(t, false), filepath.Join(t.TempDir(), "never.db"))
	e := newTestEngine(t, cfg)
	ctx := context.Background()

	m, err := e.Extract(ctx, extractRequest())
	require.NoError(t, err)
	dir := artifact.RunDir(cfg.Run.ArtifactDir, m.RunID)
	anonymized := filepath.Join(dir, DirAnonymized)
	_, err = e.Anonymize(ctx, AnonymizeRequest{
		InputLocation:          filepath.Join(dir, DirExtracted),
		OutputLocation:         anonymized,
		ConsistencyMapLocation: filepath.Join(dir, DirMap),
	})
	require.NoError(t, err)

	resp := callTool(t, e, "load", map[string]any{"input_location": anonymized})

	require.True(t, resp.Result.IsError)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(resp.Result.Content[0].Text), &body))
	assert.Equal(t, "PreconditionError", body.Code)
}
