package oauth

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeStore struct {
	valid      bool
	checkErr   error
	persistErr error

	checks atomic.Int32

	mu        sync.Mutex
	persisted []*oauth2.Token
}

func (s *fakeStore) HasValidCredential(_ context.Context) (bool, error) {
	s.checks.Add(1)
	return s.valid, s.checkErr
}

func (s *fakeStore) Persist(_ context.Context, token *oauth2.Token) error {
	if s.persistErr != nil {
		return s.persistErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persisted = append(s.persisted, token)
	return nil
}

func (s *fakeStore) persistedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.persisted)
}

type fakeClient struct {
	exchangeErr error
	// block, when set, holds Exchange until it is closed or ctx is done.
	block chan struct{}

	exchanges atomic.Int32

	mu    sync.Mutex
	codes []string
}

func (c *fakeClient) AuthCodeURL(redirectURI, state string) string {
	v := url.Values{}
	v.Set("redirect_uri", redirectURI)
	v.Set("state", state)
	return "https://provider.example.com/authorize?" + v.Encode()
}

func (c *fakeClient) Exchange(ctx context.Context, code, _ string) (*oauth2.Token, error) {
	c.exchanges.Add(1)
	c.mu.Lock()
	c.codes = append(c.codes, code)
	c.mu.Unlock()

	if c.block != nil {
		select {
		case <-c.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.exchangeErr != nil {
		return nil, c.exchangeErr
	}
	return &oauth2.Token{
		AccessToken:  "access-" + code,
		RefreshToken: "refresh-" + code,
		TokenType:    "Bearer",
		Expiry:       time.Now().Add(time.Hour),
	}, nil
}

type recordingBrowser struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (b *recordingBrowser) Open(u string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.urls = append(b.urls, u)
	return b.err
}

func (b *recordingBrowser) opened() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.urls...)
}

// freePorts returns n ports that were free a moment ago.
func freePorts(t *testing.T, n int) PortRange {
	t.Helper()
	listeners := make([]net.Listener, 0, n)
	ports := make(PortRange, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		listeners = append(listeners, ln)
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	for _, ln := range listeners {
		require.NoError(t, ln.Close())
	}
	return ports
}

// occupyPorts binds n ports on 127.0.0.1 and keeps them bound for the test.
func occupyPorts(t *testing.T, n int) PortRange {
	t.Helper()
	ports := make(PortRange, 0, n)
	for i := 0; i < n; i++ {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		t.Cleanup(func() { _ = ln.Close() })
		ports = append(ports, ln.Addr().(*net.TCPAddr).Port)
	}
	return ports
}

var testHTTPClient = &http.Client{
	Timeout:   5 * time.Second,
	Transport: &http.Transport{DisableKeepAlives: true},
}

func callbackURL(port int, query string) string {
	return fmt.Sprintf("http://127.0.0.1:%d%s?%s", port, DefaultCallbackPath, query)
}

// sessionCallbackURL is callbackURL with the state the server sent to the provider.
func sessionCallbackURL(server *AuthServer, query string) string {
	state := ""
	if u, err := url.Parse(server.AuthURL()); err == nil {
		state = u.Query().Get("state")
	}
	return callbackURL(server.Port(), query+"&state="+url.QueryEscape(state))
}

// get performs a GET and returns status and body.
func get(t *testing.T, rawURL string) (int, string) {
	t.Helper()
	resp, err := testHTTPClient.Get(rawURL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(body)
}

func portClosed(port int) bool {
	conn, err := net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", port), 200*time.Millisecond)
	if err != nil {
		return true
	}
	_ = conn.Close()
	return false
}

func newTestServer(t *testing.T, store *fakeStore, client *fakeClient, ports PortRange) (*AuthServer, *recordingBrowser) {
	t.Helper()
	browser := &recordingBrowser{}
	server, err := NewAuthServer(AuthServerConfig{
		Store:           store,
		Client:          client,
		Browser:         browser,
		Ports:           ports,
		ExchangeTimeout: 5 * time.Second,
		ShutdownTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Stop(context.Background()) })
	return server, browser
}
