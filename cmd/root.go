package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"tenant-backup/internal/application"
	"tenant-backup/internal/config"
	"tenant-backup/internal/confirmation"
	"tenant-backup/internal/display"
	appErrors "tenant-backup/internal/errors"
	"tenant-backup/internal/logging"
)

var cfgFile string

// Global flag variables
var (
	tenantID     string
	actor        string
	verbose      bool
	quiet        bool
	logFile      string
	outputFormat string
	noColor      bool
	assumeYes    bool
)

// Version information (set by build flags)
var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tenant-backup",
	Short: "Back up and restore tenant data",
	Long: `tenant-backup takes per-tenant snapshots of application data, stores them
as compressed and optionally encrypted packages, and restores them with schema
reconciliation, conflict handling and a rollback window.

Examples:
  # Take a manual backup of a tenant
  tenant-backup backup create --tenant acme

  # Run the scheduler and maintenance sweep
  tenant-backup worker --config /etc/tenant-backup.yaml

  # Plan a selective restore and print the reconciliation report
  tenant-backup restore plan BKUP-2026-001 --tenant acme --type selective --categories campaigns

  # List backups as JSON for scripting
  tenant-backup backup list --tenant acme --format json`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: validateFlags,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		application.ReportError(rootCmd.ErrOrStderr(), err)
		os.Exit(1)
	}
}

// SetVersionInfo sets the version information from build flags
func SetVersionInfo(v, bt, gc string) {
	version = v
	buildTime = bt
	gitCommit = gc
}

func init() {
	cobra.OnInitialize(initConfig)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./tenant-backup.yaml or $HOME/.tenant-backup.yaml)")
	flags.StringVarP(&tenantID, "tenant", "t", "", "tenant the command acts on")
	flags.StringVar(&actor, "actor", "", "operator recorded in the audit log (default $USER)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	flags.BoolVarP(&quiet, "quiet", "q", false, "suppress non-error output")
	flags.StringVar(&logFile, "log-file", "", "also write logs to this file")
	flags.StringVar(&outputFormat, "format", "table", "output format (table, json, yaml)")
	flags.BoolVar(&noColor, "no-color", false, "disable color output")
	flags.BoolVarP(&assumeYes, "yes", "y", false, "approve destructive operations without prompting")

	_ = viper.BindPFlag("logging.file", flags.Lookup("log-file"))

	rootCmd.AddCommand(newVersionCommand())
}

// validateFlags validates global flags before any command runs
func validateFlags(cmd *cobra.Command, args []string) error {
	if verbose && quiet {
		return appErrors.NewValidationError(appErrors.ReasonInvalidInput, "--verbose and --quiet flags are mutually exclusive")
	}
	if _, err := display.ParseFormat(outputFormat); err != nil {
		return appErrors.NewValidationError(appErrors.ReasonInvalidInput, err.Error())
	}
	return nil
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("tenant-backup")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			viper.AddConfigPath(home)
		}
	}

	viper.SetEnvPrefix("TENANT_BACKUP")
	viper.AutomaticEnv()
}

// loadConfig combines the config file, environment and flags
func loadConfig() (*config.Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, appErrors.NewValidationError(appErrors.ReasonInvalidInput,
				fmt.Sprintf("failed to read config file: %v", err))
		}
	}

	cfg := &config.Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}
	return config.Finalize(cfg)
}

func newLogger(cfg *config.Config, stderr io.Writer) (*logging.Logger, error) {
	level := logging.LogLevel(cfg.Logging.Level)
	switch {
	case quiet:
		level = logging.LogLevelQuiet
	case verbose:
		level = logging.LogLevelVerbose
	}
	return logging.NewLogger(logging.Config{
		Level:   level,
		Output:  stderr,
		Format:  cfg.Logging.Format,
		LogFile: cfg.Logging.File,
	})
}

// session carries what a tenant command needs
type session struct {
	cmd     *cobra.Command
	ctx     context.Context
	svc     *application.Service
	tenant  string
	actor   string
	printer *display.Printer
	prompt  *confirmation.Service
}

// changed reports whether a flag was set on the command line
func (s *session) changed(name string) bool {
	return s.cmd.Flags().Changed(name)
}

// confirm asks before a destructive operation unless --yes was given
func (s *session) confirm(action confirmation.Action) error {
	return s.prompt.Confirm(action, assumeYes)
}

// tenantCommand wraps a command body that acts on one tenant
func tenantCommand(run func(s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if tenantID == "" {
			return appErrors.NewValidationError(appErrors.ReasonInvalidInput, "--tenant is required")
		}
		return withService(cmd, func(svc *application.Service) error {
			return run(newSession(cmd, svc), args)
		})
	}
}

func withService(cmd *cobra.Command, run func(svc *application.Service) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if err := promptPassphrase(cmd, cfg); err != nil {
		return err
	}

	svc, err := application.Open(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := svc.Close(); cerr != nil {
			logger.Warnf("Failed to close connections: %v", cerr)
		}
	}()
	return run(svc)
}

// promptPassphrase asks for the file keyring passphrase when the
// environment does not provide one and stdin is a terminal
func promptPassphrase(cmd *cobra.Command, cfg *config.Config) error {
	if cfg.Encryption.Keyring != "file" || cfg.Encryption.Passphrase != "" {
		return nil
	}
	f, ok := cmd.InOrStdin().(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return nil
	}

	fmt.Fprint(cmd.ErrOrStderr(), "Keyring passphrase: ")
	passphrase, err := term.ReadPassword(int(f.Fd()))
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("failed to read passphrase: %w", err)
	}
	cfg.Encryption.Passphrase = string(passphrase)
	return nil
}

func newSession(cmd *cobra.Command, svc *application.Service) *session {
	format, _ := display.ParseFormat(outputFormat)
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return &session{
		cmd:    cmd,
		ctx:    ctx,
		svc:    svc,
		tenant: tenantID,
		actor:  currentActor(),
		printer: display.NewPrinter(display.Options{
			Format: format,
			Color:  !noColor,
			Quiet:  quiet,
			Out:    cmd.OutOrStdout(),
			Err:    cmd.ErrOrStderr(),
		}),
		prompt: confirmation.NewService(cmd.InOrStdin(), cmd.ErrOrStderr(), isInteractive(cmd.InOrStdin())),
	}
}

func currentActor() string {
	if actor != "" {
		return actor
	}
	if user := os.Getenv("USER"); user != "" {
		return user
	}
	return "cli"
}

func isInteractive(in io.Reader) bool {
	f, ok := in.(*os.File)
	if !ok {
		return true
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// newVersionCommand creates the version subcommand
func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "tenant-backup %s\n", version)
			fmt.Fprintf(out, "  Build time: %s\n", buildTime)
			fmt.Fprintf(out, "  Git commit: %s\n", gitCommit)
			fmt.Fprintf(out, "  Go version: %s\n", runtime.Version())
		},
	}
}
