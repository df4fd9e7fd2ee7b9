package testserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rpggio/fieldsync/internal/app"
	"github.com/rpggio/fieldsync/internal/clock"
	"github.com/rpggio/fieldsync/internal/domain/session"
	"github.com/rpggio/fieldsync/internal/mcp"
	"github.com/rpggio/fieldsync/internal/sqlite"
	"github.com/rpggio/fieldsync/internal/transport"
	"github.com/stretchr/testify/require"
)

// TestServer is a full in-process stack: SQLite-backed storage and
// activity log, the fixture remote, the services and an MCP endpoint
// served over HTTP.
type TestServer struct {
	Server       *httptest.Server
	DB           *sqlite.DB
	Remote       *Remote
	App          *app.App
	Clock        *clock.FakeClock
	Connectivity *session.Connectivity
	Token        string
}

// New starts a stack around NewFixtureRemote. Calls to /mcp need token.
func New(t *testing.T, token string) *TestServer {
	t.Helper()
	return NewWithRemote(t, token, NewFixtureRemote())
}

// NewWithRemote starts a stack around remote.
func NewWithRemote(t *testing.T, token string, remote *Remote) *TestServer {
	t.Helper()

	db, err := sqlite.Open(":memory:")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	connectivity := session.NewConnectivity(true)
	fake := clock.Fake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	a, err := app.New(ctx, app.Options{
		Store:        sqlite.NewFileStore(db),
		Remote:       remote,
		Activities:   sqlite.NewActivityRepository(db),
		Sessions:     session.NewRegistry(connectivity, nil),
		Clock:        fake,
		PollInterval: time.Second,
	})
	require.NoError(t, err)
	<-a.Cache.Loaded()

	mcpServer, err := mcp.NewServer(mcp.Config{Services: a.MCPServices(), Version: "test"})
	require.NoError(t, err)
	mcpHandler := sdkmcp.NewStreamableHTTPHandler(
		func(*http.Request) *sdkmcp.Server { return mcpServer },
		&sdkmcp.StreamableHTTPOptions{SessionTimeout: time.Minute},
	)
	health := func() map[string]any { return map[string]any{"online": connectivity.IsOnline()} }
	server := httptest.NewServer(transport.NewRouter(mcpHandler, transport.AuthMiddleware(transport.StaticToken{Token: token}), health))

	ts := &TestServer{
		Server:       server,
		DB:           db,
		Remote:       remote,
		App:          a,
		Clock:        fake,
		Connectivity: connectivity,
		Token:        token,
	}

	t.Cleanup(func() {
		server.Close()
		cancel()
		_ = db.Close()
	})
	return ts
}

// Connect opens an MCP client session against the stack.
func (ts *TestServer) Connect(t *testing.T) *sdkmcp.ClientSession {
	t.Helper()
	client := sdkmcp.NewClient(&sdkmcp.Implementation{Name: "test-client", Version: "1.0.0"}, nil)
	session, err := client.Connect(context.Background(), &sdkmcp.StreamableClientTransport{
		Endpoint:   ts.Server.URL + "/mcp",
		HTTPClient: &http.Client{Transport: bearer{token: ts.Token, next: http.DefaultTransport}},
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

type bearer struct {
	token string
	next  http.RoundTripper
}

func (b bearer) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+b.token)
	return b.next.RoundTrip(req)
}
