package clog

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithExecution_ForksBag(t *testing.T) {
	parent := ContextWithSlog(context.Background())
	AddAttribute(parent, "component", "engine")

	child := WithExecution(parent, "exec-1", "spec-1", "")
	assert.Equal(t, map[string]any{
		"component":           "engine",
		ExecutionAttributeKey: "exec-1",
		SpecAttributeKey:      "spec-1",
	}, GetAttributes(child))
	assert.Equal(t, map[string]any{"component": "engine"}, GetAttributes(parent))
}

func TestAttributesHandler_AddsContextAttributes(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewAttributesHandler(slog.NewJSONHandler(&buf, nil)))

	ctx := WithExecution(context.Background(), "exec-1", "", "story-1")
	logger.InfoContext(ctx, "hello")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "exec-1", rec[ExecutionAttributeKey])
	assert.Equal(t, "story-1", rec[StoryAttributeKey])
	assert.NotContains(t, rec, SpecAttributeKey)
}

func TestTextHandler_WritesColumns(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewAttributesHandler(NewTextHandler(&buf, WithColor(false))))

	ctx := WithExecution(context.Background(), "exec-1", "spec-1", "")
	logger.InfoContext(ctx, "agent process started", "pid", 42)

	out := buf.String()
	assert.Contains(t, out, "exec-1")
	assert.Contains(t, out, "agent process started")
	assert.Contains(t, out, "pid")
}
