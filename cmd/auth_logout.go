package cmd

import (
	"context"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	"loopauth/internal/credentials"
)

// authLogoutCmd represents the auth logout command
var authLogoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Remove the stored credential",
	Long: `Remove the stored OAuth credential.

The next 'loopauth auth login' goes through the browser again.

Examples:
  loopauth auth logout                 # Remove the configured credential
  loopauth auth logout --credentials ./creds.json`,
	RunE: runAuthLogout,
}

func runAuthLogout(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := newStore(cfg.Credentials)
	if err != nil {
		return err
	}
	return logout(cmd.Context(), cmd.OutOrStdout(), store)
}

// logout deletes the stored credential. Logging out twice is not an error.
func logout(ctx context.Context, out io.Writer, store credentials.Store) error {
	err := store.Delete(ctx)
	if errors.Is(err, credentials.ErrNotFound) {
		authPrintf(out, "No credential stored at %s\n", store.Location())
		return nil
	}
	if err != nil {
		return err
	}
	authPrintf(out, "Removed the credential from %s\n", store.Location())
	return nil
}
