package main

import (
	"bytes"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitToolName(t *testing.T) {
	server, tool, err := splitToolName("github:list_issues")
	require.NoError(t, err)
	assert.Equal(t, "github", server)
	assert.Equal(t, "list_issues", tool)

	// the tool half keeps any further colons
	server, tool, err = splitToolName("linear:ns:search")
	require.NoError(t, err)
	assert.Equal(t, "linear", server)
	assert.Equal(t, "ns:search", tool)

	for _, bad := range []string{"", "github", "github:", ":search"} {
		_, _, err := splitToolName(bad)
		assert.Error(t, err, "input %q", bad)
	}
}

func TestPrintCallResult(t *testing.T) {
	var buf bytes.Buffer
	printCallResult(&buf, &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: "first"},
			mcp.TextContent{Type: "text", Text: "second"},
		},
	})
	assert.Equal(t, "first\nsecond\n", buf.String())

	buf.Reset()
	printCallResult(&buf, &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "boom"}},
	})
	assert.Equal(t, "Tool returned an error:\nboom\n", buf.String())
}
