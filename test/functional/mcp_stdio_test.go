package functional_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/fieldsync/internal/domain/report"
	"github.com/stretchr/testify/require"
)

// stdioSession wraps an MCP client session talking to the built binary
type stdioSession struct {
	session *sdkmcp.ClientSession
	cancel  context.CancelFunc
}

func newStdioSession(t *testing.T) *stdioSession {
	t.Helper()
	return newStdioSessionWithEnv(t, nil)
}

func newStdioSessionWithEnv(t *testing.T, extraEnv []string) *stdioSession {
	t.Helper()

	binaryPath := "./bin/fieldsync"
	if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
		binaryPath = "../../bin/fieldsync"
		if _, err := os.Stat(binaryPath); os.IsNotExist(err) {
			t.Skip("Server binary not found. Run 'go build -o bin/fieldsync ./cmd/fieldsync' first.")
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	cmd := exec.CommandContext(ctx, binaryPath, "--offline")
	cmd.Env = append(os.Environ(),
		"FIELDSYNC_TRANSPORT_MODE=stdio",
		"FIELDSYNC_STORAGE_BACKEND=sqlite",
		"FIELDSYNC_DB_PATH=:memory:",
		"FIELDSYNC_CONFIG_PATH=",
	)
	cmd.Env = append(cmd.Env, extraEnv...)

	client := sdkmcp.NewClient(&sdkmcp.Implementation{
		Name:    "test-client",
		Version: "1.0.0",
	}, nil)

	session, err := client.Connect(ctx, &sdkmcp.CommandTransport{Command: cmd}, nil)
	if err != nil {
		cancel()
		t.Fatalf("Failed to connect: %v", err)
	}

	t.Cleanup(func() {
		session.Close()
		cancel()
	})

	return &stdioSession{session: session, cancel: cancel}
}

func (s *stdioSession) call(t *testing.T, name string, args map[string]any) (json.RawMessage, bool) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	result, err := s.session.CallTool(ctx, &sdkmcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err, "CallTool %s failed", name)
	require.NotEmpty(t, result.Content, "Tool %s returned no content", name)

	for _, content := range result.Content {
		if textContent, ok := content.(*sdkmcp.TextContent); ok {
			return json.RawMessage(textContent.Text), result.IsError
		}
	}
	t.Fatalf("Tool %s returned no text content", name)
	return nil, false
}

func (s *stdioSession) callTool(t *testing.T, name string, args map[string]any) json.RawMessage {
	t.Helper()
	raw, isError := s.call(t, name, args)
	require.False(t, isError, "Tool %s returned error: %s", name, raw)
	return raw
}

func TestStdioFunctional_MCPProtocolCompliance(t *testing.T) {
	s := newStdioSession(t)

	initResult := s.session.InitializeResult()
	require.NotNil(t, initResult)
	require.NotNil(t, initResult.ServerInfo)
	require.Equal(t, "fieldsync", initResult.ServerInfo.Name)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tools, err := s.session.ListTools(ctx, nil)
	require.NoError(t, err)

	toolMap := make(map[string]*sdkmcp.Tool)
	for _, tool := range tools.Tools {
		toolMap[tool.Name] = tool
	}
	require.Contains(t, toolMap, "sync_cache")
	require.Contains(t, toolMap, "upload_reports")
	require.NotEmpty(t, toolMap["sync_cache"].Description)
}

func TestStdioFunctional_OfflineMode(t *testing.T) {
	s := newStdioSession(t)

	raw, isError := s.call(t, "sync_cache", nil)
	require.True(t, isError)
	require.Contains(t, string(raw), "OFFLINE_MODE")

	raw, isError = s.call(t, "upload_reports", nil)
	require.True(t, isError)
	require.Contains(t, string(raw), "OFFLINE_MODE")

	var session struct {
		Online bool `json:"online"`
	}
	require.NoError(t, json.Unmarshal(s.callTool(t, "logout", nil), &session))
	require.False(t, session.Online)
}

func TestStdioFunctional_StoresReportsOffline(t *testing.T) {
	s := newStdioSession(t)

	payload := report.SignedList{DeviceID: 0x42, ReportID: 5, Readings: []report.Reading{
		{Stream: 0x5001, ReadingID: 4, Value: 1},
		{Stream: 0x5001, ReadingID: 5, Value: 2},
	}}.Encode()
	args := map[string]any{"payload": base64.StdEncoding.EncodeToString(payload)}

	var first report.IngestResult
	require.NoError(t, json.Unmarshal(s.callTool(t, "import_report", args), &first))
	require.False(t, first.Dropped)

	var second report.IngestResult
	require.NoError(t, json.Unmarshal(s.callTool(t, "import_report", args), &second))
	require.True(t, second.Dropped)
	require.Equal(t, report.DropDuplicate, second.Reason)

	var status report.State
	require.NoError(t, json.Unmarshal(s.callTool(t, "report_status", nil), &status))
	require.Equal(t, 1, status.Total)
	require.Equal(t, 1, status.ToUpload)

	activity := s.callTool(t, "recent_activity", map[string]any{})
	require.Contains(t, string(activity), "report_dropped")
}

func TestStdioFunctional_LogFile(t *testing.T) {
	logPath := filepath.Join(t.TempDir(), "fieldsync.log")
	s := newStdioSessionWithEnv(t, []string{
		"FIELDSYNC_LOG_PATH=" + logPath,
		"FIELDSYNC_LOG_LEVEL=debug",
	})

	_ = s.callTool(t, "list_projects", nil)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(logPath)
		if err != nil {
			return false
		}
		text := string(data)
		return strings.Contains(text, `msg="mcp traffic"`) &&
			strings.Contains(text, "stage=request") &&
			strings.Contains(text, "stage=response")
	}, 5*time.Second, 100*time.Millisecond)
}

func TestStdioFunctional_DocumentationResources(t *testing.T) {
	s := newStdioSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	resources, err := s.session.ListResources(ctx, nil)
	require.NoError(t, err)
	require.NotEmpty(t, resources.Resources)

	read, err := s.session.ReadResource(ctx, &sdkmcp.ReadResourceParams{URI: "fieldsync://docs/reports"})
	require.NoError(t, err)
	require.NotEmpty(t, read.Contents)
	require.Equal(t, "text/markdown", read.Contents[0].MIMEType)
	require.Contains(t, read.Contents[0].Text, "Report lifecycle")
}
