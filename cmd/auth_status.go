package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"loopauth/internal/credentials"
	pkgauth "loopauth/pkg/auth"
)

// statusNow is replaced in tests.
var statusNow = time.Now

// Status-specific flags
var statusJSON bool

// authStatusCmd represents the auth status command
var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored credential",
	Long: `Show where the credential is stored, when it expires and whether it
is still valid. Token values are never printed.

Examples:
  loopauth auth status                 # Show the stored credential
  loopauth auth status --json          # Machine-readable output
  loopauth auth status --credentials ./creds.json`,
	RunE: runAuthStatus,
}

func init() {
	authStatusCmd.Flags().BoolVar(&statusJSON, "json", false, "Print the status as JSON")
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := newStore(cfg.Credentials)
	if err != nil {
		return err
	}
	if statusJSON {
		return printCredentialStatusJSON(cmd.Context(), cmd.OutOrStdout(), store, cfg.Credentials.Backend)
	}
	return printCredentialStatus(cmd.Context(), cmd.OutOrStdout(), store, cfg.Credentials.Backend)
}

// credentialStatus describes the stored credential. A missing credential is
// reported as not authenticated, not returned as an error.
func credentialStatus(ctx context.Context, store credentials.Store, backend string, now time.Time) (pkgauth.StatusResponse, error) {
	status := pkgauth.StatusResponse{
		Location: store.Location(),
		Backend:  backend,
	}

	token, err := store.Load(ctx)
	if errors.Is(err, credentials.ErrNotFound) {
		return status, nil
	}
	if err != nil {
		return status, err
	}

	status.Authenticated = true
	status.Credential = &pkgauth.CredentialStatus{
		HasRefreshToken: token.RefreshToken != "",
		Valid:           credentials.IsValid(token, now),
		TokenType:       token.Type(),
	}
	if !token.Expiry.IsZero() {
		expiry := token.Expiry
		status.Credential.Expiry = &expiry
	}
	return status, nil
}

// printCredentialStatus renders the stored credential as a table.
func printCredentialStatus(ctx context.Context, out io.Writer, store credentials.Store, backend string) error {
	now := statusNow()
	status, err := credentialStatus(ctx, store, backend, now)
	if err != nil {
		return err
	}
	if !status.Authenticated {
		fmt.Fprintf(out, "%s Not authenticated (no credential at %s)\n", text.FgYellow.Sprint("!"), status.Location)
		fmt.Fprintln(out, "Run 'loopauth auth login' to authenticate.")
		return nil
	}

	t := table.NewWriter()
	t.SetOutputMirror(out)
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{
		text.FgHiCyan.Sprint("LOCATION"),
		text.FgHiCyan.Sprint("BACKEND"),
		text.FgHiCyan.Sprint("EXPIRES"),
		text.FgHiCyan.Sprint("REFRESH TOKEN"),
		text.FgHiCyan.Sprint("VALID"),
	})

	credential := status.Credential
	var expiry time.Time
	if credential.Expiry != nil {
		expiry = *credential.Expiry
	}
	valid := text.FgRed.Sprint("no")
	if credential.Valid {
		valid = text.FgGreen.Sprint("yes")
	}
	t.AppendRow(table.Row{
		status.Location,
		status.Backend,
		formatRelativeExpiry(expiry, now),
		yesNo(credential.HasRefreshToken),
		valid,
	})
	t.Render()
	return nil
}

// printCredentialStatusJSON writes the status as indented JSON.
func printCredentialStatusJSON(ctx context.Context, out io.Writer, store credentials.Store, backend string) error {
	status, err := credentialStatus(ctx, store, backend, statusNow())
	if err != nil {
		return err
	}
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(status)
}

// formatRelativeExpiry renders expiry relative to now, e.g. "in 59m0s" or
// "expired 5m0s ago".
func formatRelativeExpiry(expiry, now time.Time) string {
	if expiry.IsZero() {
		return "never"
	}
	d := expiry.Sub(now).Round(time.Second)
	if d <= 0 {
		return fmt.Sprintf("expired %s ago", (-d).String())
	}
	return fmt.Sprintf("in %s", d.String())
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
