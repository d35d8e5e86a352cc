package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/vikashloomba/mcp-registry-go/pkg/registry"
)

func newToolsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "Connect to every configured server and list the exposed tools",
		Args:  cobra.NoArgs,
		RunE:  runTools,
	}
	cmd.Flags().Bool("json", false, "Print JSON instead of a table")
	return cmd
}

func runTools(cmd *cobra.Command, _ []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	logger, level, err := newLogger(cmd)
	if err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}
	reg, _, err := openRegistry(cmd, logger, level, nil)
	if err != nil {
		return err
	}
	defer closeRegistry(reg, logger)

	tools := sortedTools(reg.GetAllToolsWithServerInfo())
	for name, failure := range reg.GetFailedConnections() {
		fmt.Fprintf(cmd.ErrOrStderr(), "warning: %s unavailable: %s\n", name, failure.Message)
	}
	if asJSON {
		return writeToolsJSON(cmd.OutOrStdout(), tools)
	}
	return writeToolTable(cmd.OutOrStdout(), tools)
}

func sortedTools(tools map[string]registry.ToolInfo) []registry.ToolInfo {
	out := make([]registry.ToolInfo, 0, len(tools))
	for _, info := range tools {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func writeToolTable(w io.Writer, tools []registry.ToolInfo) error {
	writer := tabwriter.NewWriter(w, 0, 2, 2, ' ', 0)
	fmt.Fprintln(writer, "NAME\tSERVER\tORIGINAL\tDESCRIPTION")
	for _, info := range tools {
		description := "-"
		if info.Tool != nil && strings.TrimSpace(info.Tool.Description) != "" {
			description = firstLine(info.Tool.Description)
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\n", info.Name, info.Server, info.RemoteName, description)
	}
	return writer.Flush()
}

type toolJSON struct {
	Name        string `json:"name"`
	Server      string `json:"server"`
	Original    string `json:"original"`
	Description string `json:"description,omitempty"`
	InputSchema any    `json:"inputSchema,omitempty"`
}

func writeToolsJSON(w io.Writer, tools []registry.ToolInfo) error {
	out := make([]toolJSON, 0, len(tools))
	for _, info := range tools {
		entry := toolJSON{Name: info.Name, Server: info.Server, Original: info.RemoteName}
		if info.Tool != nil {
			entry.Description = info.Tool.Description
			entry.InputSchema = info.Tool.InputSchema
		}
		out = append(out, entry)
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func newCallCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "call <tool> [json-arguments]",
		Short: "Call a tool by its exposed name",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runCall,
	}
	cmd.Flags().Bool("json", false, "Print the raw result as JSON")
	cmd.Flags().String("session-id", "", "Session id forwarded to the server")
	return cmd
}

func runCall(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")
	sessionID, _ := cmd.Flags().GetString("session-id")

	var raw string
	if len(args) > 1 {
		raw = args[1]
	}
	toolArgs, err := parseToolArgs(raw)
	if err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}

	logger, level, err := newLogger(cmd)
	if err != nil {
		return &exitError{code: 2, msg: err.Error()}
	}
	reg, _, err := openRegistry(cmd, logger, level, nil)
	if err != nil {
		return err
	}
	defer closeRegistry(reg, logger)

	result, err := reg.ExecuteTool(cmd.Context(), args[0], toolArgs, sessionID)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(result); err != nil {
			return err
		}
	} else {
		writeResult(cmd.OutOrStdout(), result)
	}
	if result.IsError {
		return &exitError{code: 1, msg: fmt.Sprintf("tool %s reported an error", args[0])}
	}
	return nil
}

func parseToolArgs(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	return args, nil
}

func writeResult(w io.Writer, result *mcp.CallToolResult) {
	if result == nil {
		return
	}
	for _, content := range result.Content {
		switch c := content.(type) {
		case *mcp.TextContent:
			fmt.Fprintln(w, c.Text)
		case *mcp.ImageContent:
			fmt.Fprintf(w, "[image %s, %d bytes]\n", c.MIMEType, len(c.Data))
		case *mcp.AudioContent:
			fmt.Fprintf(w, "[audio %s, %d bytes]\n", c.MIMEType, len(c.Data))
		case *mcp.ResourceLink:
			fmt.Fprintf(w, "[resource %s]\n", c.URI)
		case *mcp.EmbeddedResource:
			if c.Resource != nil {
				fmt.Fprintf(w, "[embedded %s]\n", c.Resource.URI)
			}
		default:
			fmt.Fprintf(w, "[%T]\n", c)
		}
	}
	if len(result.Content) == 0 && result.StructuredContent != nil {
		data, err := json.MarshalIndent(result.StructuredContent, "", "  ")
		if err == nil {
			fmt.Fprintln(w, string(data))
		}
	}
}
