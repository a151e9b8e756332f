package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/dbsmedya/goscope/internal/artifact"
	"github.com/dbsmedya/goscope/internal/extract"
	"github.com/dbsmedya/goscope/internal/graph"
)

// ErrorResponse is the body of a failed tool call. Details carries the
// partial artifact when the phase produced one.
type ErrorResponse struct {
	Error   bool   `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// NewServer exposes the entry points as MCP tools, so an agent or any
// other process can drive a migration over stdio.
func (e *Engine) NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer("goscope", version, server.WithToolCapabilities(true))

	s.AddTool(mcp.NewTool(
		"extract",
		mcp.WithDescription("Extract the referentially consistent subset of every source store for one scope value. "+
			"Returns the extraction manifest with per-entity row counts, orphan warnings and errors."),
		mcp.WithObject("scope_filter",
			mcp.Required(),
			mcp.Description("Root selector, e.g. {\"key\": \"district_id\", \"value\": \"district-001\"}"),
			mcp.Properties(map[string]any{
				"key":   map[string]any{"type": "string"},
				"value": map[string]any{"type": "string"},
			}),
		),
		mcp.WithArray("extraction_order",
			mcp.Description("Entities parents first, as store.entity or bare names. Empty uses the computed order."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("output_location", mcp.Description("Dataset directory. Empty uses the run directory.")),
		mcp.WithString("run_id", mcp.Description("Run id (UUID). Empty assigns a new one.")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(e.Extract))

	s.AddTool(mcp.NewTool(
		"anonymize",
		mcp.WithDescription("Anonymize an extracted dataset with the configured rules and a persistent consistency map. "+
			"Returns the anonymized manifest and its PII leak report."),
		mcp.WithString("input_location", mcp.Required(), mcp.Description("Extracted dataset directory")),
		mcp.WithString("output_location", mcp.Required(), mcp.Description("Anonymized dataset directory")),
		mcp.WithString("rules_location", mcp.Description("Anonymization rules YAML. Empty uses the configured file.")),
		mcp.WithString("consistency_map_location", mcp.Required(), mcp.Description("Encrypted consistency map directory")),
		mcp.WithDestructiveHintAnnotation(false),
	), handle(e.Anonymize))

	s.AddTool(mcp.NewTool(
		"validate",
		mcp.WithDescription("Validate an anonymized dataset. Returns the report with status PASSED, PASSED_WITH_WARNINGS or FAILED; "+
			"a FAILED dataset cannot be loaded."),
		mcp.WithString("data_location", mcp.Required(), mcp.Description("Anonymized dataset directory")),
		mcp.WithString("schema_location", mcp.Description("Catalog file. Empty uses the catalog stored with the data.")),
		mcp.WithString("rules_location", mcp.Description("Validation rules YAML. Empty uses the configured file.")),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(e.Validate))

	s.AddTool(mcp.NewTool(
		"load",
		mcp.WithDescription("Load a validated dataset into the target stores, one transaction per store, every write bound to the run scope."),
		mcp.WithString("input_location", mcp.Required(), mcp.Description("Anonymized and validated dataset directory")),
		mcp.WithObject("target_descriptor", mcp.Description("Map of source store name to target store name")),
		mcp.WithArray("loading_order",
			mcp.Description("Entities parents first. Empty uses the extraction order."),
			mcp.Items(map[string]any{"type": "string"}),
		),
		mcp.WithString("strategy", mcp.Enum("insert", "upsert", "merge"), mcp.Description("Conflict strategy")),
		mcp.WithDestructiveHintAnnotation(true),
	), handle(e.Load))

	s.AddTool(mcp.NewTool(
		"plan",
		mcp.WithDescription("Analyse the source schemas: extraction order, cycles and their break edges, cross-store links."),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(func(ctx context.Context, _ struct{}) (*graph.Plan, error) {
		return e.Plan(ctx)
	}))

	s.AddTool(mcp.NewTool(
		"estimate",
		mcp.WithDescription("Count the rows an extraction would read, without extracting."),
		mcp.WithObject("scope_filter", mcp.Required(), mcp.Description("Root selector")),
		mcp.WithArray("extraction_order", mcp.Items(map[string]any{"type": "string"})),
		mcp.WithReadOnlyHintAnnotation(true),
	), handle(func(ctx context.Context, req ExtractRequest) ([]extract.Estimate, error) {
		return e.Estimate(ctx, req)
	}))

	s.AddTool(mcp.NewTool(
		"run",
		mcp.WithDescription("Extract, anonymize, validate and load in one run directory. Stops at the first failed phase."),
		mcp.WithObject("extract", mcp.Required(), mcp.Description("Extraction request: scope_filter, extraction_order, run_id")),
		mcp.WithString("rules_location", mcp.Description("Anonymization rules YAML")),
		mcp.WithString("validation_rules_location", mcp.Description("Validation rules YAML")),
		mcp.WithObject("target_descriptor", mcp.Description("Map of source store name to target store name")),
		mcp.WithString("strategy", mcp.Enum("insert", "upsert", "merge")),
		mcp.WithBoolean("skip_load", mcp.Description("Stop after validation")),
		mcp.WithDestructiveHintAnnotation(true),
	), handle(e.Run))

	return s
}

// Serve answers MCP requests read from in until in is closed or ctx is done.
func (e *Engine) Serve(ctx context.Context, version string, in io.Reader, out io.Writer) error {
	e.log.Infow("Serving over stdio", "version", version)
	return server.NewStdioServer(e.NewServer(version)).Listen(ctx, in, out)
}

// handle adapts an entry point to a tool handler. Phase failures become
// error results so the caller sees the kind and any partial artifact.
func handle[Req, Res any](fn func(context.Context, Req) (Res, error)) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in Req
		if err := decodeArguments(req, &in); err != nil {
			return newErrorResult("InvalidRequest", err.Error(), nil), nil
		}
		res, err := fn(ctx, in)
		if err != nil {
			return newErrorResult(ErrorKind(err), err.Error(), res), nil
		}
		data, err := json.Marshal(res)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result: %w", err)
		}
		return mcp.NewToolResultText(string(data)), nil
	}
}

func decodeArguments(req mcp.CallToolRequest, v any) error {
	args, ok := req.Params.Arguments.(map[string]any)
	if !ok || len(args) == 0 {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("arguments do not match the tool schema: %w", err)
	}
	return nil
}

func newErrorResult(code, message string, details any) *mcp.CallToolResult {
	switch d := details.(type) {
	case *artifact.ExtractionManifest:
		if d == nil {
			details = nil
		}
	case *artifact.AnonymizedManifest:
		if d == nil {
			details = nil
		}
	case *artifact.ValidationReport:
		if d == nil {
			details = nil
		}
	case *artifact.LoadReport:
		if d == nil {
			details = nil
		}
	}
	data, _ := json.Marshal(ErrorResponse{Error: true, Code: code, Message: message, Details: details})
	result := mcp.NewToolResultText(string(data))
	result.IsError = true
	return result
}
