package cli

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/platinummonkey/extforge/pkg/config"
	"github.com/platinummonkey/extforge/pkg/observability"
)

// app is the state shared by every command of one invocation
type app struct {
	version string
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *logrus.Logger

	in         io.Reader
	out        io.Writer
	errOut     io.Writer
	isTerminal func() bool
}

// Option customises the root command
type Option func(*app)

// WithVersion sets the version reported by --version and in telemetry
func WithVersion(v string) Option {
	return func(a *app) { a.version = v }
}

// WithIO replaces stdin, stdout and stderr
func WithIO(in io.Reader, out, errOut io.Writer) Option {
	return func(a *app) {
		a.in, a.out, a.errOut = in, out, errOut
	}
}

// WithTerminal overrides terminal detection for the upload prompt
func WithTerminal(isTerminal func() bool) Option {
	return func(a *app) { a.isTerminal = isTerminal }
}

// NewRootCommand creates the extforge command tree
func NewRootCommand(opts ...Option) *cobra.Command {
	a := &app{
		version: "dev",
		v:       config.NewViper(),
		in:      os.Stdin,
		out:     os.Stdout,
		errOut:  os.Stderr,
		isTerminal: func() bool {
			return term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd()))
		},
	}
	for _, opt := range opts {
		opt(a)
	}

	root := &cobra.Command{
		Use:   "extforge",
		Short: "Build, sign and publish monitoring extensions",
		Long: `extforge packages an extension directory into a signed archive, validates it
against the registry and uploads and activates it.

Configuration is read from .extforge.yaml in the project directory, EXTFORGE_*
environment variables and flags, in increasing order of precedence.`,
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	root.SetIn(a.in)
	root.SetOut(a.out)
	root.SetErr(a.errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&a.cfgFile, "config", "", "config file (default: <project>/"+config.FileName+")")
	flags.StringP("project", "C", "", "project directory")
	flags.String("key", "", "developer private key (PEM)")
	flags.String("cert", "", "developer certificate (PEM)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	_ = a.v.BindPFlag("project.dir", flags.Lookup("project"))
	_ = a.v.BindPFlag("credentials.key", flags.Lookup("key"))
	_ = a.v.BindPFlag("credentials.cert", flags.Lookup("cert"))
	_ = a.v.BindPFlag("observability.log_level", flags.Lookup("log-level"))
	_ = a.v.BindPFlag("observability.log_format", flags.Lookup("log-format"))

	root.AddCommand(
		newBuildCommand(a),
		newUploadCommand(a),
		newWatchCommand(a),
		newVerifyCommand(a),
		newHistoryCommand(a),
	)
	return root
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.cfgFile, a.v.GetString("project.dir"))
	if err != nil {
		return err
	}
	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat, a.errOut)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}
