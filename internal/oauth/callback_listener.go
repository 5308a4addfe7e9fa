package oauth

import (
	"context"
	"embed"
	"html/template"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"loopauth/pkg/logging"
	pkgstrings "loopauth/pkg/strings"
)

// DefaultCallbackPath is the redirect path registered with the provider.
const DefaultCallbackPath = "/oauth2callback"

// DefaultCallbackHost is the interface the listener binds to.
const DefaultCallbackHost = "127.0.0.1"

//go:embed templates/*.html
var templateFS embed.FS

var callbackTemplates = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// CallbackResult represents the query parameters of one redirect request.
type CallbackResult struct {
	// Code is the authorization code from the OAuth provider.
	Code string

	// State is the state parameter to verify against the original request.
	State string

	// Error is the error code if the authorization failed.
	Error string

	// ErrorDescription is a human-readable error description.
	ErrorDescription string
}

// IsError returns true if the callback result represents an error.
func (r *CallbackResult) IsError() bool {
	return r.Error != ""
}

// IsEmpty returns true if the callback carries neither a code nor an error.
func (r *CallbackResult) IsEmpty() bool {
	return r.Code == "" && r.Error == ""
}

func parseCallback(query url.Values) *CallbackResult {
	return &CallbackResult{
		Code:             query.Get("code"),
		State:            query.Get("state"),
		Error:            pkgstrings.SingleLine(query.Get("error"), pkgstrings.DefaultMaxLen),
		ErrorDescription: pkgstrings.SingleLine(query.Get("error_description"), pkgstrings.DefaultMaxLen),
	}
}

// CallbackHandler processes the single accepted callback. A nil return renders
// the success page; an error renders the failure page.
type CallbackHandler func(result *CallbackResult) error

// CallbackListenerConfig configures a CallbackListener.
type CallbackListenerConfig struct {
	// Host is the interface to bind. Defaults to 127.0.0.1.
	Host string

	// Port is the port to bind.
	Port int

	// Path is the redirect path. Defaults to /oauth2callback.
	Path string

	// ExpectedState, when set, causes redirects carrying a different state to be ignored.
	ExpectedState string
}

// CallbackListener is a temporary local HTTP server for receiving the OAuth redirect.
// It accepts exactly one callback; everything after that is answered but not processed.
type CallbackListener struct {
	port          int
	path          string
	expectedState string

	listener net.Listener
	server   *http.Server
	handler  CallbackHandler
	accepted atomic.Bool

	closeOnce sync.Once
	closeErr  error
}

// Listen binds the callback listener. A bind failure caused by the port being
// taken is marked ErrPortInUse.
func Listen(ctx context.Context, cfg CallbackListenerConfig) (*CallbackListener, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultCallbackHost
	}
	if cfg.Path == "" {
		cfg.Path = DefaultCallbackPath
	}

	ln, err := bindPort(ctx, cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}

	return newCallbackListener(ln, cfg), nil
}

func newCallbackListener(ln net.Listener, cfg CallbackListenerConfig) *CallbackListener {
	if cfg.Path == "" {
		cfg.Path = DefaultCallbackPath
	}
	return &CallbackListener{
		port:          ln.Addr().(*net.TCPAddr).Port,
		path:          cfg.Path,
		expectedState: cfg.ExpectedState,
		listener:      ln,
	}
}

// Serve starts answering requests in a background goroutine.
func (l *CallbackListener) Serve(handler CallbackHandler) {
	l.handler = handler

	mux := http.NewServeMux()
	mux.HandleFunc(l.path, l.handleCallback)
	mux.HandleFunc("/favicon.ico", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/", http.NotFound)

	l.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	server := l.server
	go func() {
		if err := server.Serve(l.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("OAuth", err, "Callback listener on port %d stopped unexpectedly", l.port)
		}
	}()
}

// RedirectURI returns the redirect URI for OAuth configuration.
// The host is always localhost, whatever the bind address.
func (l *CallbackListener) RedirectURI() string {
	return (&url.URL{
		Scheme: "http",
		Host:   net.JoinHostPort("localhost", strconv.Itoa(l.port)),
		Path:   l.path,
	}).String()
}

// Port returns the port the listener is bound to.
func (l *CallbackListener) Port() int {
	return l.port
}

// Accepted reports whether a callback has been taken for processing.
func (l *CallbackListener) Accepted() bool {
	return l.accepted.Load()
}

// Close shuts the server down gracefully within ctx, then force-closes it and
// releases the port. It runs once; later calls wait for and return the first result.
func (l *CallbackListener) Close(ctx context.Context) error {
	l.closeOnce.Do(func() {
		var errs error
		if l.server != nil {
			if err := l.server.Shutdown(ctx); err != nil {
				errs = errors.CombineErrors(errs, errors.Wrap(err, "graceful shutdown of callback listener"))
				if cerr := l.server.Close(); cerr != nil {
					errs = errors.CombineErrors(errs, errors.Wrap(cerr, "force close of callback listener"))
				}
			}
		}
		if err := l.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = errors.CombineErrors(errs, errors.Wrap(err, "close callback socket"))
		}
		l.closeErr = errs
		logging.Debug("OAuth", "Callback listener on port %d closed", l.port)
	})
	return l.closeErr
}

// handleCallback handles requests to the redirect path.
func (l *CallbackListener) handleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	setSecurityHeaders(w)
	result := parseCallback(r.URL.Query())

	if !l.stateMatches(result) {
		logging.Warn("OAuth", "Ignoring callback with missing or mismatched state (expected_len=%d, received_len=%d)",
			len(l.expectedState), len(result.State))
		render(w, "callback_ignored.html", nil)
		return
	}

	// Only the first callback is processed; concurrent duplicates lose the swap.
	if !l.accepted.CompareAndSwap(false, true) {
		logging.Debug("OAuth", "Callback already processed, ignoring duplicate request")
		render(w, "callback_processed.html", nil)
		return
	}

	var err error
	if l.handler != nil {
		err = l.handler(result)
	}

	if err != nil {
		data := map[string]string{
			"Error":       "authentication_failed",
			"Description": err.Error(),
		}
		if result.IsError() {
			data["Error"] = result.Error
			data["Description"] = result.ErrorDescription
		}
		render(w, "callback_error.html", data)
		return
	}

	render(w, "callback_success.html", nil)
}

// stateMatches reports whether result may consume the callback. Anything that
// could carry a code must echo the expected state; only a provider error
// redirect may omit it.
func (l *CallbackListener) stateMatches(result *CallbackResult) bool {
	if l.expectedState == "" || result.State == l.expectedState {
		return true
	}
	return result.State == "" && result.IsError() && result.Code == ""
}

func setSecurityHeaders(w http.ResponseWriter) {
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "default-src 'self'; style-src 'unsafe-inline'")
	w.Header().Set("Referrer-Policy", "no-referrer")
	w.Header().Set("Cache-Control", "no-store")
}

func render(w http.ResponseWriter, name string, data interface{}) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if err := callbackTemplates.ExecuteTemplate(w, name, data); err != nil {
		logging.Error("OAuth", err, "Failed to render callback page %s", name)
	}
}
