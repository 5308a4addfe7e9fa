package cmd

import (
	"context"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/briandowns/spinner"
	"github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"loopauth/internal/credentials"
	"loopauth/internal/oauth"
	"loopauth/pkg/logging"
)

// Login-specific flags
var (
	loginNoBrowser bool
	loginTimeout   time.Duration
)

// loginPollInterval is how often the wait loop checks the completion flag.
var loginPollInterval = time.Second

// authLoginCmd represents the auth login command
var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate through the browser",
	Long: `Authenticate to the configured OAuth2 provider.

If a valid credential is already stored (refreshing it if needed), login
returns immediately. Otherwise a loopback listener is started on the first
free callback port, the consent page is opened in the browser, and the
command waits until the provider redirects back and the token is stored.

Press Ctrl+C to abandon the login.

Examples:
  loopauth auth login                  # Log in through the default browser
  loopauth auth login --no-browser     # Print the URL instead of opening it
  loopauth auth login --timeout 2m     # Give up after two minutes`,
	RunE: runAuthLogin,
}

func init() {
	authLoginCmd.Flags().BoolVar(&loginNoBrowser, "no-browser", false, "Print the authorization URL instead of opening a browser")
	authLoginCmd.Flags().DurationVar(&loginTimeout, "timeout", 0, "How long to wait for the browser login (default: timeouts.login from config, 5m)")
}

// loginServer is the part of oauth.AuthServer the login command drives.
type loginServer interface {
	Start(ctx context.Context, openBrowser bool) (bool, error)
	Stop(ctx context.Context)
	Done() <-chan struct{}
	CompletedSuccessfully() bool
	Status() oauth.Status
	Err() error
	AuthURL() string
	RedirectURI() string
	SessionID() string
}

var _ loginServer = (*oauth.AuthServer)(nil)

// loginOptions controls a single login run.
type loginOptions struct {
	openBrowser  bool
	quiet        bool
	timeout      time.Duration
	pollInterval time.Duration
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	store, err := newStore(cfg.Credentials)
	if err != nil {
		return err
	}
	client, err := newProviderClient(cfg.Provider)
	if err != nil {
		return err
	}

	server, err := oauth.NewAuthServer(oauth.AuthServerConfig{
		Store:           credentials.NewValidator(store, client),
		Client:          client,
		Ports:           oauth.PortRange(cfg.Callback.Ports),
		Host:            cfg.Callback.Host,
		CallbackPath:    cfg.Callback.Path,
		ExchangeTimeout: cfg.Timeouts.Exchange,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	timeout := loginTimeout
	if timeout <= 0 {
		timeout = cfg.Timeouts.Login
	}

	return runLogin(ctx, cmd.OutOrStdout(), server, loginOptions{
		openBrowser:  !loginNoBrowser,
		quiet:        authQuiet,
		timeout:      timeout,
		pollInterval: loginPollInterval,
	})
}

// runLogin starts the server and waits until the login completes, fails,
// times out or ctx is cancelled. The server is stopped exactly once on
// every path. Cancellation is not an error.
func runLogin(ctx context.Context, out io.Writer, server loginServer, opts loginOptions) error {
	defer server.Stop(context.Background())

	ok, err := server.Start(ctx, opts.openBrowser)
	if !ok {
		if ctx.Err() != nil {
			loginCancelled(out, opts)
			return nil
		}
		if err == nil {
			err = errors.Newf("login could not be started (status %s)", server.Status())
		}
		return err
	}

	if server.CompletedSuccessfully() {
		if !opts.quiet {
			io.WriteString(out, text.FgGreen.Sprint("Already authenticated.")+"\n")
		}
		return nil
	}

	logging.Debug("Login", "Session %s: waiting for the redirect on %s",
		logging.TruncateSessionID(server.SessionID()), server.RedirectURI())
	if opts.openBrowser {
		if !opts.quiet {
			io.WriteString(out, "Opening the browser. If it does not open, visit:\n\n  "+server.AuthURL()+"\n\n")
		}
	} else {
		// Printed even with --quiet.
		io.WriteString(out, "Open this URL in your browser to log in:\n\n  "+server.AuthURL()+"\n\n")
	}

	var s *spinner.Spinner
	if !opts.quiet {
		s = spinner.New(spinner.CharSets[14], 100*time.Millisecond, spinner.WithWriter(out))
		s.Suffix = " Waiting for the browser login..."
		s.Start()
	}
	stopSpinner := func() {
		if s != nil {
			s.Stop()
		}
	}
	defer stopSpinner()

	var deadline <-chan time.Time
	if opts.timeout > 0 {
		timer := time.NewTimer(opts.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	pollInterval := opts.pollInterval
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-server.Done():
			stopSpinner()
			if server.CompletedSuccessfully() {
				loginSucceeded(out, opts)
				return nil
			}
			return loginFailure(server)

		case <-ticker.C:
			if server.CompletedSuccessfully() {
				stopSpinner()
				loginSucceeded(out, opts)
				return nil
			}

		case <-ctx.Done():
			stopSpinner()
			loginCancelled(out, opts)
			return nil

		case <-deadline:
			stopSpinner()
			return errors.WithHint(
				errors.Newf("timed out after %s waiting for the browser login", opts.timeout),
				"Run the command again, or raise --timeout.",
			)
		}
	}
}

func loginCancelled(out io.Writer, opts loginOptions) {
	logging.Info("Login", "Login interrupted, shutting down the callback listener")
	if !opts.quiet {
		io.WriteString(out, text.FgYellow.Sprint("Login cancelled.")+"\n")
	}
}

func loginSucceeded(out io.Writer, opts loginOptions) {
	if !opts.quiet {
		io.WriteString(out, text.FgGreen.Sprint("Authentication complete.")+"\n")
	}
}

// loginFailure describes why a finished session did not succeed.
func loginFailure(server loginServer) error {
	if err := server.Err(); err != nil {
		return errors.Wrap(err, "login failed")
	}
	return errors.Newf("login ended without a credential (status %s)", server.Status())
}
