package oauth

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventually = 3 * time.Second
const tick = 10 * time.Millisecond

func TestNewAuthServer(t *testing.T) {
	t.Run("requires a store", func(t *testing.T) {
		_, err := NewAuthServer(AuthServerConfig{Client: &fakeClient{}})
		require.Error(t, err)
	})

	t.Run("requires a client", func(t *testing.T) {
		_, err := NewAuthServer(AuthServerConfig{Store: &fakeStore{}})
		require.Error(t, err)
	})

	t.Run("fills defaults", func(t *testing.T) {
		server, err := NewAuthServer(AuthServerConfig{Store: &fakeStore{}, Client: &fakeClient{}})
		require.NoError(t, err)

		assert.Equal(t, DefaultPortRange(), server.cfg.Ports)
		assert.Equal(t, DefaultCallbackHost, server.cfg.Host)
		assert.Equal(t, DefaultCallbackPath, server.cfg.CallbackPath)
		assert.Equal(t, DefaultExchangeTimeout, server.cfg.ExchangeTimeout)
		assert.Equal(t, DefaultShutdownTimeout, server.cfg.ShutdownTimeout)
		assert.NotNil(t, server.cfg.Browser)
		assert.Equal(t, StatusNotStarted, server.Status())
		assert.False(t, server.CompletedSuccessfully())
	})
}

func TestAuthServer_ValidCredentialSkipsBind(t *testing.T) {
	binds := 0
	original := listenTCP
	listenTCP = func(ctx context.Context, addr string) (net.Listener, error) {
		binds++
		return original(ctx, addr)
	}
	defer func() { listenTCP = original }()

	store := &fakeStore{valid: true}
	server, browser := newTestServer(t, store, &fakeClient{}, freePorts(t, 1))

	ok, err := server.Start(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, server.CompletedSuccessfully())
	assert.Equal(t, StatusTokenAlreadyValid, server.Status())
	assert.Equal(t, 0, binds)
	assert.Equal(t, 0, server.Port())
	assert.Empty(t, browser.opened())
	assert.Empty(t, server.AuthURL())

	select {
	case <-server.Done():
	default:
		t.Fatal("expected Done to be closed for a valid credential")
	}
}

func TestAuthServer_SuccessfulCallback(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{}
	ports := freePorts(t, 1)
	server, browser := newTestServer(t, store, client, ports)

	ok, err := server.Start(context.Background(), true)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StatusListening, server.Status())
	assert.Equal(t, ports[0], server.Port())
	assert.False(t, server.CompletedSuccessfully())

	opened := browser.opened()
	require.Len(t, opened, 1)
	assert.Equal(t, server.AuthURL(), opened[0])
	assert.Contains(t, server.RedirectURI(), DefaultCallbackPath)

	status, body := get(t, sessionCallbackURL(server, "code=ABC"))
	assert.Equal(t, 200, status)
	assert.Contains(t, body, "Authentication complete")

	require.Eventually(t, server.CompletedSuccessfully, eventually, tick)
	assert.Equal(t, StatusCompleted, server.Status())
	assert.NoError(t, server.Err())
	assert.Equal(t, 1, store.persistedCount())
	assert.Equal(t, []string{"ABC"}, client.codes)

	select {
	case <-server.Done():
	case <-time.After(eventually):
		t.Fatal("Done was not closed after completion")
	}

	// A later redirect is either answered as already processed or refused
	// because the listener is gone. Neither triggers a second exchange.
	if resp, err := testHTTPClient.Get(sessionCallbackURL(server, "code=XYZ")); err == nil {
		_ = resp.Body.Close()
		assert.Equal(t, 200, resp.StatusCode)
	}
	assert.Equal(t, int32(1), client.exchanges.Load())
	assert.True(t, server.CompletedSuccessfully())

	assert.Eventually(t, func() bool { return portClosed(ports[0]) }, eventually, tick)
}

func TestAuthServer_StatelessCodeDoesNotTakeOverSession(t *testing.T) {
	store := &fakeStore{}
	client := &fakeClient{}
	server, _ := newTestServer(t, store, client, freePorts(t, 1))

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	status, body := get(t, callbackURL(server.Port(), "code=FORGED"))
	assert.Equal(t, 200, status)
	assert.Contains(t, body, "was ignored")
	assert.Equal(t, StatusListening, server.Status())
	assert.Equal(t, int32(0), client.exchanges.Load())
	assert.False(t, server.CompletedSuccessfully())

	_, body = get(t, sessionCallbackURL(server, "code=ABC"))
	assert.Contains(t, body, "Authentication complete")
	require.Eventually(t, server.CompletedSuccessfully, eventually, tick)
	assert.Equal(t, []string{"ABC"}, client.codes)
	assert.Equal(t, 1, store.persistedCount())
}

func TestAuthServer_DoesNotOpenBrowserWhenDisabled(t *testing.T) {
	server, browser := newTestServer(t, &fakeStore{}, &fakeClient{}, freePorts(t, 1))

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Empty(t, browser.opened())
	assert.NotEmpty(t, server.AuthURL())
}

func TestAuthServer_BrowserFailureIsNotFatal(t *testing.T) {
	browser := &recordingBrowser{err: errors.New("no display")}
	server, err := NewAuthServer(AuthServerConfig{
		Store:   &fakeStore{},
		Client:  &fakeClient{},
		Browser: browser,
		Ports:   freePorts(t, 1),
	})
	require.NoError(t, err)
	defer server.Stop(context.Background())

	ok, err := server.Start(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusListening, server.Status())
}

func TestAuthServer_PortFallback(t *testing.T) {
	busy := occupyPorts(t, 2)
	free := freePorts(t, 1)
	ports := PortRange{busy[0], busy[1], free[0]}

	server, _ := newTestServer(t, &fakeStore{}, &fakeClient{}, ports)

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, free[0], server.Port())
	assert.Contains(t, server.RedirectURI(), ":"+strconv.Itoa(free[0])+"/")
}

func TestAuthServer_AllPortsOccupied(t *testing.T) {
	ports := occupyPorts(t, DefaultPortCount)
	store := &fakeStore{}
	server, browser := newTestServer(t, store, &fakeClient{}, ports)

	ok, err := server.Start(context.Background(), true)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, IsAllPortsExhausted(err))
	assert.Contains(t, err.Error(), ports.String())
	assert.NotEmpty(t, errors.GetAllHints(err))

	assert.False(t, server.CompletedSuccessfully())
	assert.Equal(t, StatusFailed, server.Status())
	assert.True(t, IsAllPortsExhausted(server.Err()))
	assert.Equal(t, 0, server.Port())
	assert.Empty(t, browser.opened())
	assert.Equal(t, int32(1), store.checks.Load())

	select {
	case <-server.Done():
	default:
		t.Fatal("expected Done to be closed after port exhaustion")
	}
}

func TestAuthServer_ProviderDenied(t *testing.T) {
	client := &fakeClient{}
	ports := freePorts(t, 1)
	server, _ := newTestServer(t, &fakeStore{}, client, ports)

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	status, body := get(t, sessionCallbackURL(server, "error=access_denied&error_description=User+declined"))
	assert.Equal(t, 200, status)
	assert.Contains(t, body, "access_denied")
	assert.Contains(t, body, "User declined")

	require.Eventually(t, func() bool { return server.Status() == StatusFailed }, eventually, tick)
	assert.False(t, server.CompletedSuccessfully())
	assert.True(t, IsProviderDenied(server.Err()))
	assert.Contains(t, server.Err().Error(), "access_denied")
	assert.Equal(t, int32(0), client.exchanges.Load())

	assert.Eventually(t, func() bool { return portClosed(ports[0]) }, eventually, tick)
}

func TestAuthServer_MalformedCallback(t *testing.T) {
	client := &fakeClient{}
	server, _ := newTestServer(t, &fakeStore{}, client, freePorts(t, 1))

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	status, body := get(t, sessionCallbackURL(server, "foo=bar"))
	assert.Equal(t, 200, status)
	assert.Contains(t, body, "Authentication failed")

	require.Eventually(t, func() bool { return server.Status() == StatusFailed }, eventually, tick)
	assert.True(t, errors.Is(server.Err(), ErrMalformedCallback))
	assert.Equal(t, int32(0), client.exchanges.Load())
}

func TestAuthServer_ExchangeFailure(t *testing.T) {
	client := &fakeClient{exchangeErr: errors.New("invalid_grant")}
	store := &fakeStore{}
	server, _ := newTestServer(t, store, client, freePorts(t, 1))

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	status, body := get(t, sessionCallbackURL(server, "code=ABC"))
	assert.Equal(t, 200, status)
	assert.Contains(t, body, "authentication_failed")

	require.Eventually(t, func() bool { return server.Status() == StatusFailed }, eventually, tick)
	assert.False(t, server.CompletedSuccessfully())
	assert.True(t, IsExchangeError(server.Err()))
	assert.Contains(t, server.Err().Error(), "invalid_grant")
	assert.Equal(t, 0, store.persistedCount())
}

func TestAuthServer_PersistFailure(t *testing.T) {
	store := &fakeStore{persistErr: errors.New("disk full")}
	server, _ := newTestServer(t, store, &fakeClient{}, freePorts(t, 1))

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	status, _ := get(t, sessionCallbackURL(server, "code=ABC"))
	assert.Equal(t, 200, status)

	require.Eventually(t, func() bool { return server.Status() == StatusFailed }, eventually, tick)
	assert.False(t, server.CompletedSuccessfully())
	assert.True(t, IsStorageError(server.Err()))
	assert.Contains(t, server.Err().Error(), "disk full")
}

func TestAuthServer_CredentialCheckErrorFallsBackToBrowserFlow(t *testing.T) {
	store := &fakeStore{checkErr: errors.Mark(errors.New("corrupt credential file"), ErrStorage)}
	server, _ := newTestServer(t, store, &fakeClient{}, freePorts(t, 1))

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, StatusListening, server.Status())
	assert.False(t, server.CompletedSuccessfully())
}

func TestAuthServer_ConcurrentCallbacksExchangeOnce(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	server, _ := newTestServer(t, &fakeStore{}, client, freePorts(t, 1))

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := testHTTPClient.Get(sessionCallbackURL(server, "code=DUP"))
			if err == nil {
				_ = resp.Body.Close()
			}
		}()
	}

	require.Eventually(t, func() bool { return client.exchanges.Load() == 1 }, eventually, tick)
	close(client.block)
	wg.Wait()

	require.Eventually(t, server.CompletedSuccessfully, eventually, tick)
	assert.Equal(t, int32(1), client.exchanges.Load())
}

// blockingStore holds the credential check until its context is cancelled.
type blockingStore struct{ fakeStore }

func (s *blockingStore) HasValidCredential(ctx context.Context) (bool, error) {
	s.checks.Add(1)
	<-ctx.Done()
	return false, ctx.Err()
}

func TestAuthServer_CancelledDuringCredentialCheck(t *testing.T) {
	client := &fakeClient{}
	ports := freePorts(t, 1)
	server, err := NewAuthServer(AuthServerConfig{
		Store:   &blockingStore{},
		Client:  client,
		Browser: &recordingBrowser{},
		Ports:   ports,
	})
	require.NoError(t, err)
	t.Cleanup(func() { server.Stop(context.Background()) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	ok, err := server.Start(ctx, false)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrStopped))
	assert.NotEqual(t, StatusFailed, server.Status())
	assert.NoError(t, server.Err())
	assert.Equal(t, 0, server.Port())
	assert.True(t, portClosed(ports[0]))
}

func TestAuthServer_StartTwice(t *testing.T) {
	server, _ := newTestServer(t, &fakeStore{}, &fakeClient{}, freePorts(t, 1))

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = server.Start(context.Background(), false)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrAlreadyStarted))
	assert.Equal(t, StatusListening, server.Status())
}

func TestAuthServer_StartAfterStop(t *testing.T) {
	store := &fakeStore{}
	server, _ := newTestServer(t, store, &fakeClient{}, freePorts(t, 1))

	server.Stop(context.Background())

	ok, err := server.Start(context.Background(), false)
	assert.False(t, ok)
	assert.True(t, errors.Is(err, ErrStopped))
	assert.Equal(t, int32(0), store.checks.Load())
}

func TestAuthServer_StopWhileListening(t *testing.T) {
	ports := freePorts(t, 1)
	server, _ := newTestServer(t, &fakeStore{}, &fakeClient{}, ports)

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	stopped := make(chan struct{})
	go func() {
		server.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(eventually):
		t.Fatal("Stop did not return while listening")
	}

	assert.True(t, portClosed(ports[0]))
	assert.False(t, server.CompletedSuccessfully())
	select {
	case <-server.Done():
	default:
		t.Fatal("expected Done to be closed after Stop")
	}
}

func TestAuthServer_StopAbandonsInFlightExchange(t *testing.T) {
	client := &fakeClient{block: make(chan struct{})}
	ports := freePorts(t, 1)
	server, _ := newTestServer(t, &fakeStore{}, client, ports)

	ok, err := server.Start(context.Background(), false)
	require.NoError(t, err)
	require.True(t, ok)

	go func() {
		resp, err := testHTTPClient.Get(sessionCallbackURL(server, "code=SLOW"))
		if err == nil {
			_ = resp.Body.Close()
		}
	}()
	require.Eventually(t, func() bool { return client.exchanges.Load() == 1 }, eventually, tick)

	stopped := make(chan struct{})
	go func() {
		server.Stop(context.Background())
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(eventually):
		t.Fatal("Stop blocked on the in-flight exchange")
	}

	assert.False(t, server.CompletedSuccessfully())
	require.Eventually(t, func() bool { return server.Status() == StatusFailed }, eventually, tick)
	assert.True(t, IsExchangeError(server.Err()))
	assert.True(t, portClosed(ports[0]))
}

func TestAuthServer_StopIsIdempotent(t *testing.T) {
	tests := []struct {
		name    string
		prepare func(t *testing.T, server *AuthServer)
		store   *fakeStore
		want    bool
	}{
		{
			name:    "not started",
			prepare: func(*testing.T, *AuthServer) {},
			store:   &fakeStore{},
			want:    false,
		},
		{
			name: "token already valid",
			prepare: func(t *testing.T, server *AuthServer) {
				ok, err := server.Start(context.Background(), false)
				require.NoError(t, err)
				require.True(t, ok)
			},
			store: &fakeStore{valid: true},
			want:  true,
		},
		{
			name: "listening",
			prepare: func(t *testing.T, server *AuthServer) {
				ok, err := server.Start(context.Background(), false)
				require.NoError(t, err)
				require.True(t, ok)
			},
			store: &fakeStore{},
			want:  false,
		},
		{
			name: "completed",
			prepare: func(t *testing.T, server *AuthServer) {
				ok, err := server.Start(context.Background(), false)
				require.NoError(t, err)
				require.True(t, ok)
				get(t, sessionCallbackURL(server, "code=ABC"))
				require.Eventually(t, server.CompletedSuccessfully, eventually, tick)
			},
			store: &fakeStore{},
			want:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ports := freePorts(t, 1)
			server, _ := newTestServer(t, tt.store, &fakeClient{}, ports)
			tt.prepare(t, server)
			before := server.Status()

			const k = 5
			var wg sync.WaitGroup
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					server.Stop(context.Background())
				}()
			}
			wg.Wait()
			server.Stop(context.Background())

			assert.Equal(t, tt.want, server.CompletedSuccessfully())
			assert.Equal(t, before, server.Status())
			assert.True(t, portClosed(ports[0]))
		})
	}
}
