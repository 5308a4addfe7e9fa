package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"loopauth/pkg/logging"
)

// Exit codes for CLI commands.
const (
	// ExitCodeSuccess indicates successful execution.
	ExitCodeSuccess = 0
	// ExitCodeError indicates a general error (login failed, timed out, bad configuration).
	ExitCodeError = 1
)

// Viper keys for the persistent flags.
const (
	configDirKey       = "config"
	credentialsPathKey = "credentials"
	debugKey           = "debug"
)

// rootCmd represents the base command for the loopauth application.
// It is the entry point when the application is called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "loopauth",
	Short: "Authorize a local tool against an OAuth2 provider",
	Long: `loopauth runs the OAuth2 authorization-code flow for a command-line tool.

It opens the provider's consent page in a browser, receives the redirect on a
short-lived loopback listener, exchanges the code for a token and stores the
credential locally. If a valid credential is already stored, nothing is
opened.`,
	// SilenceUsage prevents Cobra from printing the usage message on errors that are handled by the application.
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		level := logging.LevelInfo
		if viper.GetBool(debugKey) {
			level = logging.LevelDebug
		}
		logging.InitForCLI(level, os.Stderr)
	},
}

// SetVersion sets the version for the root command.
// This function is typically called from the main package to inject the application version at build time.
func SetVersion(v string) {
	rootCmd.Version = v
}

// GetVersion returns the current version of the application.
func GetVersion() string {
	return rootCmd.Version
}

// Execute is the main entry point for the CLI application.
// This function is called by main.main().
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "loopauth version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		printHints(rootCmd.ErrOrStderr(), err)
		os.Exit(getExitCode(err))
	}
}

// getExitCode determines the exit code for the error returned by a command.
func getExitCode(err error) int {
	if err == nil {
		return ExitCodeSuccess
	}
	return ExitCodeError
}

// printHints writes every hint attached to err, one per line.
func printHints(w io.Writer, err error) {
	for _, hint := range errors.GetAllHints(err) {
		fmt.Fprintf(w, "Hint: %s\n", hint)
	}
}

// mustBindFlag binds a flag and an optional environment variable to a viper key.
func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
}

func init() {
	rootCmd.AddCommand(newVersionCmd())

	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Configuration directory (default: ~/.config/loopauth)")
	flags.String("credentials", "", "Credential file path, overrides credentials.path from the config file")
	flags.Bool("debug", false, "Enable debug logging")

	mustBindFlag(configDirKey, "LOOPAUTH_CONFIG", flags.Lookup("config"))
	mustBindFlag(credentialsPathKey, "LOOPAUTH_CREDENTIALS", flags.Lookup("credentials"))
	mustBindFlag(debugKey, "LOOPAUTH_DEBUG", flags.Lookup("debug"))
}
