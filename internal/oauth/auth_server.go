package oauth

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"loopauth/pkg/logging"
)

const (
	// DefaultExchangeTimeout bounds a single code-for-token exchange.
	DefaultExchangeTimeout = 30 * time.Second

	// DefaultShutdownTimeout bounds the graceful part of listener teardown.
	DefaultShutdownTimeout = 5 * time.Second
)

// AuthServerConfig configures an AuthServer.
type AuthServerConfig struct {
	// Store is consulted before any port is bound and receives the new credential.
	Store TokenStore

	// Client builds the authorization URL and performs the exchange.
	Client OAuthClient

	// Browser opens the authorization URL. Defaults to the system browser.
	Browser BrowserOpener

	// Ports is the ordered fallback list. Defaults to 3000-3004.
	Ports PortRange

	// Host is the bind interface. Defaults to 127.0.0.1.
	Host string

	// CallbackPath is the redirect path. Defaults to /oauth2callback.
	CallbackPath string

	// ExchangeTimeout bounds the token exchange. Defaults to 30s.
	ExchangeTimeout time.Duration

	// ShutdownTimeout bounds graceful listener shutdown. Defaults to 5s.
	ShutdownTimeout time.Duration
}

// AuthServer runs one authorization code handshake: it short-circuits on a
// valid stored credential, otherwise binds a callback listener, waits for the
// redirect, exchanges the code and persists the result.
//
// An AuthServer serves a single session. Retrying means creating a new one.
type AuthServer struct {
	cfg     AuthServerConfig
	session *Session

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	started     bool
	stopped     bool
	listener    *CallbackListener
	authURL     string
	redirectURI string

	stopOnce sync.Once
}

// NewAuthServer validates cfg, fills defaults and returns an idle AuthServer.
func NewAuthServer(cfg AuthServerConfig) (*AuthServer, error) {
	if cfg.Store == nil {
		return nil, errors.New("auth server requires a token store")
	}
	if cfg.Client == nil {
		return nil, errors.New("auth server requires an OAuth client")
	}
	if cfg.Browser == nil {
		cfg.Browser = BrowserFunc(OpenBrowser)
	}
	if len(cfg.Ports) == 0 {
		cfg.Ports = DefaultPortRange()
	}
	if cfg.Host == "" {
		cfg.Host = DefaultCallbackHost
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	if cfg.ExchangeTimeout <= 0 {
		cfg.ExchangeTimeout = DefaultExchangeTimeout
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &AuthServer{
		cfg:     cfg,
		session: newSession(),
		ctx:     ctx,
		cancel:  cancel,
	}, nil
}

// Start runs the handshake up to the point of waiting for the redirect.
//
// It returns true when a valid credential already exists (no listener is
// bound) or when the listener is up and the browser step has been triggered.
// It returns false when no port could be bound or the server was stopped.
func (s *AuthServer) Start(ctx context.Context, openBrowser bool) (bool, error) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return false, ErrAlreadyStarted
	}
	if s.stopped {
		s.mu.Unlock()
		return false, ErrStopped
	}
	s.started = true
	s.mu.Unlock()

	sid := logging.TruncateSessionID(s.session.ID())

	// The credential check strictly precedes any bind.
	valid, err := s.cfg.Store.HasValidCredential(ctx)
	if err != nil {
		logging.WarnWithError("OAuth", err, "Session %s: credential check failed, continuing with browser flow", sid)
		valid = false
	}
	if valid {
		if err := s.session.fire(eventTokenValid); err != nil {
			return false, err
		}
		logging.Info("OAuth", "Session %s: valid credential found, skipping browser flow", sid)
		return true, nil
	}

	// An interrupt during the credential check ends Start without a verdict.
	if err := ctx.Err(); err != nil {
		logging.Debug("OAuth", "Session %s: start cancelled before binding", sid)
		return false, errors.Mark(errors.Wrap(err, "start cancelled"), ErrStopped)
	}

	ln, port, err := bindFirstFree(ctx, s.cfg.Host, s.cfg.Ports)
	if err != nil {
		if ctx.Err() != nil {
			logging.Debug("OAuth", "Session %s: start cancelled while binding", sid)
			return false, errors.Mark(err, ErrStopped)
		}
		if IsAllPortsExhausted(err) {
			if ferr := s.session.fire(eventPortsExhausted, err); ferr != nil {
				logging.Debug("OAuth", "Ignoring ports exhausted for session %s: %v", sid, ferr)
			}
		} else {
			s.session.fail(err)
		}
		logging.Error("OAuth", err, "Session %s: could not bind callback listener", sid)
		return false, err
	}

	state := uuid.NewString()
	listener := newCallbackListener(ln, CallbackListenerConfig{
		Host:          s.cfg.Host,
		Port:          port,
		Path:          s.cfg.CallbackPath,
		ExpectedState: state,
	})
	redirectURI := listener.RedirectURI()
	authURL := s.cfg.Client.AuthCodeURL(redirectURI, state)

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		s.closeListener(listener)
		return false, ErrStopped
	}
	s.listener = listener
	s.redirectURI = redirectURI
	s.authURL = authURL
	s.session.setPort(port)
	if err := s.session.fire(eventListen); err != nil {
		s.mu.Unlock()
		s.closeListener(listener)
		return false, err
	}
	listener.Serve(s.handleCallback)
	s.mu.Unlock()

	logging.Info("OAuth", "Session %s: listening for OAuth callback on %s", sid, redirectURI)

	if openBrowser {
		if err := s.cfg.Browser.Open(authURL); err != nil {
			logging.WarnWithError("OAuth", err, "Session %s: could not open browser, the URL must be opened manually", sid)
		}
	}

	return true, nil
}

// handleCallback processes the single accepted redirect. It runs at most once
// per session; the listener guarantees it.
func (s *AuthServer) handleCallback(result *CallbackResult) error {
	sid := logging.TruncateSessionID(s.session.ID())

	// Shutdown waits for the result page to be written.
	defer s.releaseListenerAsync()

	if result.IsError() {
		err := providerDeniedError(result)
		logging.Warn("OAuth", "Session %s: provider returned error %q", sid, result.Error)
		s.session.fail(err)
		return err
	}

	if result.Code == "" {
		logging.Warn("OAuth", "Session %s: callback carried neither code nor error", sid)
		s.session.fail(ErrMalformedCallback)
		return ErrMalformedCallback
	}

	if err := s.session.fire(eventCallback); err != nil {
		// Stopped or otherwise no longer listening.
		return err
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ExchangeTimeout)
	defer cancel()

	token, err := s.cfg.Client.Exchange(ctx, result.Code, s.redirectURI)
	if err != nil {
		if s.ctx.Err() != nil {
			err = errors.Wrap(err, "stopped")
		}
		err = errors.Mark(errors.Wrap(err, "exchange authorization code"), ErrExchange)
		logging.Error("OAuth", err, "Session %s: token exchange failed", sid)
		s.session.fail(err)
		return err
	}

	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		err := errors.Mark(errors.New("stopped before the exchange completed"), ErrExchange)
		s.session.fail(err)
		return err
	}

	if err := s.cfg.Store.Persist(ctx, token); err != nil {
		err = errors.Mark(errors.Wrap(err, "persist credential"), ErrStorage)
		logging.Error("OAuth", err, "Session %s: could not persist credential", sid)
		s.session.fail(err)
		return err
	}

	if err := s.session.fire(eventExchangeOK); err != nil {
		return err
	}

	logging.Info("OAuth", "Session %s: authentication completed", sid)
	return nil
}

// Stop releases the listener and abandons any in-flight exchange. It is safe
// to call in any state, concurrently and repeatedly; every call returns once
// the listener is released. It never fails: teardown errors are logged.
func (s *AuthServer) Stop(ctx context.Context) {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		listener := s.listener
		s.mu.Unlock()

		s.cancel()

		if listener != nil {
			s.closeListenerWithin(ctx, listener)
		}

		s.session.markDone()
		logging.Debug("OAuth", "Session %s: stopped in state %s",
			logging.TruncateSessionID(s.session.ID()), s.session.Status())
	})
}

func (s *AuthServer) releaseListenerAsync() {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return
	}
	go s.closeListener(listener)
}

func (s *AuthServer) closeListener(listener *CallbackListener) {
	s.closeListenerWithin(context.Background(), listener)
}

func (s *AuthServer) closeListenerWithin(ctx context.Context, listener *CallbackListener) {
	shutdownCtx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownTimeout)
	defer cancel()
	if err := listener.Close(shutdownCtx); err != nil {
		logging.WarnWithError("OAuth", err, "Callback listener teardown reported errors")
	}
}

// CompletedSuccessfully reports whether a valid credential is available,
// either found at Start or obtained through the callback. Safe for
// concurrent use; once true it stays true.
func (s *AuthServer) CompletedSuccessfully() bool {
	return s.session.CompletedSuccessfully()
}

// Done is closed when the session reaches a terminal status or is stopped.
func (s *AuthServer) Done() <-chan struct{} {
	return s.session.Done()
}

// Status returns the session status.
func (s *AuthServer) Status() Status {
	return s.session.Status()
}

// Err returns the failure detail, or nil.
func (s *AuthServer) Err() error {
	return s.session.Err()
}

// Port returns the bound callback port, or 0 when no listener was bound.
func (s *AuthServer) Port() int {
	return s.session.Port()
}

// SessionID returns the identifier of this server's session.
func (s *AuthServer) SessionID() string {
	return s.session.ID()
}

// AuthURL returns the authorization URL once listening, for manual opening.
func (s *AuthServer) AuthURL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authURL
}

// RedirectURI returns the redirect URI registered for this session.
func (s *AuthServer) RedirectURI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.redirectURI
}
