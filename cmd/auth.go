package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"loopauth/internal/config"
	"loopauth/internal/credentials"
	"loopauth/internal/provider"
)

var authQuiet bool

// authCmd represents the auth command group
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the stored OAuth credential",
	Long: `Manage the OAuth credential used by loopauth.

The auth command group provides subcommands to log in through the browser,
show the stored credential and remove it.

Examples:
  loopauth auth login                  # Log in unless a valid credential exists
  loopauth auth login --no-browser     # Print the URL instead of opening a browser
  loopauth auth status                 # Show the stored credential
  loopauth auth logout                 # Remove the stored credential`,
}

// authPrintf prints output only if the --quiet flag is not set.
// Use this for progress messages and non-essential output.
func authPrintf(w io.Writer, format string, args ...interface{}) {
	if !authQuiet {
		fmt.Fprintf(w, format, args...)
	}
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(authLoginCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(authLogoutCmd)

	authCmd.PersistentFlags().BoolVarP(&authQuiet, "quiet", "q", false, "Suppress progress output")
}

// loadConfig loads config.yaml from the --config directory and applies the
// --credentials override. It does not validate; commands that need a
// provider call Validate themselves.
func loadConfig() (config.LoopauthConfig, error) {
	dir := viper.GetString(configDirKey)
	var err error
	if dir == "" {
		dir, err = config.DefaultConfigDir()
	} else {
		dir, err = config.ExpandHome(dir)
	}
	if err != nil {
		return config.LoopauthConfig{}, err
	}

	cfg, err := config.LoadConfig(dir)
	if err != nil {
		return config.LoopauthConfig{}, errors.WithHintf(err, "Fix or remove %s.", dir)
	}

	if path := viper.GetString(credentialsPathKey); path != "" {
		if cfg.Credentials.Path, err = config.ExpandHome(path); err != nil {
			return config.LoopauthConfig{}, err
		}
	}
	return cfg, nil
}

// newStore builds the credential backend selected by cfg.
func newStore(cfg config.CredentialsConfig) (credentials.Store, error) {
	switch cfg.Backend {
	case config.BackendKeyring:
		return credentials.NewKeyringStore(cfg.KeyringService, cfg.KeyringUser), nil
	case config.BackendFile, "":
		store, err := credentials.NewFileStore(cfg.Path)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, errors.Newf("unknown credentials backend %q", cfg.Backend)
	}
}

// newProviderClient builds the OAuth client from a client secret file or
// from the explicit endpoint settings.
func newProviderClient(cfg config.ProviderConfig) (*provider.Client, error) {
	if cfg.HasClientSecretFile() {
		// #nosec G304 -- the client secret path comes from the user's own config
		data, err := os.ReadFile(cfg.ClientSecretFile)
		if err != nil {
			return nil, errors.WithHint(
				errors.Wrapf(err, "failed to read client secret file %s", cfg.ClientSecretFile),
				"Download the OAuth client JSON from your provider and point provider.clientSecretFile at it.",
			)
		}
		return provider.NewClientFromJSON(data, cfg.PKCE, cfg.Scopes...)
	}

	return provider.NewClient(provider.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		Scopes:       cfg.Scopes,
		UsePKCE:      cfg.PKCE,
	})
}
