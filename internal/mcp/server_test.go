package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickcecere/revsearch/internal/ann"
	"github.com/nickcecere/revsearch/internal/ann/hnswgraph"
	"github.com/nickcecere/revsearch/internal/embeddings"
	"github.com/nickcecere/revsearch/internal/index"
	"github.com/nickcecere/revsearch/internal/reviews"
	"github.com/nickcecere/revsearch/internal/store"
)

func setupTestService(t *testing.T) *reviews.Service {
	t.Helper()
	dir := t.TempDir()

	embedder, err := embeddings.NewHashService(32)
	require.NoError(t, err)

	opts := index.DefaultOptions(32)
	opts.Type = ann.TypeHNSW
	svc := reviews.New(embedder, index.New(hnswgraph.New(), opts),
		store.NewJSONLStore(filepath.Join(dir, "metadata.jsonl"), false),
		reviews.Options{IndexPath: filepath.Join(dir, "index.tar.gz"), Version: "9.9.9"})
	require.NoError(t, svc.Open(context.Background(), reviews.ReconcileRepair))
	t.Cleanup(svc.Shutdown)
	return svc
}

// runSession feeds requests to a server and returns its decoded responses.
func runSession(t *testing.T, backend Backend, requests ...string) []Response {
	t.Helper()
	var out bytes.Buffer
	srv := NewServer(backend, "9.9.9", strings.NewReader(strings.Join(requests, "\n")), &out)
	require.NoError(t, srv.Run(context.Background()))

	var responses []Response
	dec := json.NewDecoder(&out)
	for dec.More() {
		var r Response
		require.NoError(t, dec.Decode(&r))
		responses = append(responses, r)
	}
	return responses
}

func call(id int, tool string, args map[string]any) string {
	params, _ := json.Marshal(CallToolParams{Name: tool, Arguments: args})
	req, _ := json.Marshal(Request{JSONRPC: "2.0", ID: id, Method: "tools/call", Params: params})
	return string(req)
}

func resultText(t *testing.T, r Response) (string, bool) {
	t.Helper()
	require.Nil(t, r.Error)
	data, err := json.Marshal(r.Result)
	require.NoError(t, err)
	var res CallToolResult
	require.NoError(t, json.Unmarshal(data, &res))
	require.Len(t, res.Content, 1)
	return res.Content[0].Text, res.IsError
}

func TestInitializeAndListTools(t *testing.T) {
	responses := runSession(t, setupTestService(t),
		`{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","clientInfo":{"name":"test"}}}`,
		`{"jsonrpc":"2.0","method":"notifications/initialized"}`,
		`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`,
		`{"jsonrpc":"2.0","id":3,"method":"ping"}`,
	)
	require.Len(t, responses, 3)

	data, _ := json.Marshal(responses[0].Result)
	var init InitializeResult
	require.NoError(t, json.Unmarshal(data, &init))
	assert.Equal(t, MCPVersion, init.ProtocolVersion)
	assert.Equal(t, ServerName, init.ServerInfo.Name)
	assert.Equal(t, "9.9.9", init.ServerInfo.Version)

	data, _ = json.Marshal(responses[1].Result)
	var list ListToolsResult
	require.NoError(t, json.Unmarshal(data, &list))
	var names []string
	for _, tool := range list.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"review_search", "review_add", "review_health", "review_reconcile"}, names)
}

func TestAddThenSearchTools(t *testing.T) {
	responses := runSession(t, setupTestService(t),
		call(1, "review_add", map[string]any{
			"review_title": "Comfortable chair", "review_body": "My back no longer hurts",
			"product_id": "CHAIR-1", "review_rating": 5,
		}),
		call(2, "review_search", map[string]any{"query": "back pain chair", "top_k": "3"}),
		call(3, "review_health", nil),
	)
	require.Len(t, responses, 3)

	text, isErr := resultText(t, responses[0])
	assert.False(t, isErr)
	assert.Equal(t, "Review added with ID 0", text)

	text, isErr = resultText(t, responses[1])
	assert.False(t, isErr)
	assert.Contains(t, text, "Found 1 reviews")
	assert.Contains(t, text, "Comfortable chair")
	assert.Contains(t, text, "CHAIR-1")

	text, isErr = resultText(t, responses[2])
	assert.False(t, isErr)
	assert.Contains(t, text, `"total_reviews": 1`)
}

func TestToolErrors(t *testing.T) {
	responses := runSession(t, setupTestService(t),
		call(1, "review_add", map[string]any{"review_title": "x", "review_body": "y", "product_id": "z", "review_rating": 7}),
		call(2, "review_search", map[string]any{"query": ""}),
		call(3, "review_reconcile", map[string]any{"mode": "sideways"}),
		call(4, "no_such_tool", nil),
	)
	require.Len(t, responses, 4)

	want := []string{
		"Error: Review rating must be between 1 and 5",
		"Error: Query cannot be empty",
		"unknown reconcile mode",
		"Unknown tool: no_such_tool",
	}
	for i, r := range responses {
		text, isErr := resultText(t, r)
		assert.True(t, isErr)
		assert.Contains(t, text, want[i])
	}
}

func TestReconcileTool(t *testing.T) {
	responses := runSession(t, setupTestService(t), call(1, "review_reconcile", nil))
	require.Len(t, responses, 1)

	text, isErr := resultText(t, responses[0])
	assert.False(t, isErr)
	assert.Equal(t, "index=0 log=0 action=none replayed=0 dropped=0", text)
}

func TestProtocolErrors(t *testing.T) {
	responses := runSession(t, setupTestService(t),
		`not json`,
		`{"jsonrpc":"2.0","id":7,"method":"resources/list"}`,
		`{"jsonrpc":"2.0","id":8,"method":"tools/call","params":"oops"}`,
		`{"jsonrpc":"1.0","id":9,"method":"ping"}`,
	)
	require.Len(t, responses, 4)

	require.NotNil(t, responses[0].Error)
	assert.Equal(t, ErrorCodeParse, responses[0].Error.Code)
	require.NotNil(t, responses[1].Error)
	assert.Equal(t, ErrorCodeMethodNotFound, responses[1].Error.Code)
	require.NotNil(t, responses[2].Error)
	assert.Equal(t, ErrorCodeInvalidParams, responses[2].Error.Code)
	require.NotNil(t, responses[3].Error)
	assert.Equal(t, ErrorCodeInvalidRequest, responses[3].Error.Code)
}

func TestIntArg(t *testing.T) {
	args := map[string]any{"a": float64(4), "b": " 12 ", "c": "x", "d": true}
	assert.Equal(t, 4, intArg(args, "a", 0))
	assert.Equal(t, 12, intArg(args, "b", 0))
	assert.Equal(t, 9, intArg(args, "c", 9))
	assert.Equal(t, 9, intArg(args, "d", 9))
	assert.Equal(t, 9, intArg(args, "missing", 9))
}
