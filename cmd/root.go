// Package cmd is the browserfairy command-line interface.
package cmd

import (
	"context"
	"fmt"
	"io"
	stdlog "log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/shanrichard/browserFairy/internal/log"
)

var bannerColor = color.New(color.FgCyan)

//nolint:gochecknoglobals
var (
	stdoutTTY = isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	stdout    io.Writer = colorable.NewColorableStdout()
)

// rootCommand keeps the state shared by every subcommand: the logger and
// the global flags that configure it.
type rootCommand struct {
	ctx            context.Context
	cmd            *cobra.Command
	logger         *logrus.Logger
	fallbackLogger logrus.FieldLogger
	fs             afero.Fs

	verbose   bool
	quiet     bool
	noColor   bool
	logOutput string
	logFmt    string
	cfgFile   string
}

func newRootCommand(ctx context.Context, logger *logrus.Logger, fallbackLogger logrus.FieldLogger) *rootCommand {
	c := &rootCommand{
		ctx:            ctx,
		logger:         logger,
		fallbackLogger: fallbackLogger,
		fs:             afero.NewOsFs(),
	}
	c.cmd = &cobra.Command{
		Use:           "browserfairy",
		Short:         "passive performance observation for Chromium browsers",
		Long:          bannerColor.Sprint("\nbrowserfairy - attach to a running Chromium browser and continuously record per-host performance telemetry"),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return c.setupLoggers()
		},
	}
	c.cmd.PersistentFlags().AddFlagSet(c.rootCmdPersistentFlagSet())
	return c
}

func (c *rootCommand) rootCmdPersistentFlagSet() *pflag.FlagSet {
	flags := pflag.NewFlagSet("", pflag.ContinueOnError)
	flags.BoolVarP(&c.verbose, "verbose", "v", false, "enable debug logging")
	flags.BoolVarP(&c.quiet, "quiet", "q", false, "log only warnings and errors")
	flags.BoolVar(&c.noColor, "no-color", false, "disable colored output")
	flags.StringVar(&c.logOutput, "log-output", "stderr",
		"change the log destination, possible values are stderr,stdout,none,file=path")
	flags.StringVar(&c.logFmt, "log-format", "", "log output format (raw or json)")
	flags.StringVarP(&c.cfgFile, "config", "c", os.Getenv("BROWSERFAIRY_CONFIG"), "JSON config file")
	return flags
}

func (c *rootCommand) setupLoggers() error {
	if c.verbose {
		c.logger.SetLevel(logrus.DebugLevel)
	} else if c.quiet {
		c.logger.SetLevel(logrus.WarnLevel)
	}

	switch line := c.logOutput; {
	case line == "stderr":
		c.logger.SetOutput(colorable.NewColorableStderr())
	case line == "stdout":
		c.logger.SetOutput(colorable.NewColorableStdout())
	case line == "none":
		c.logger.SetOutput(io.Discard)
	case strings.HasPrefix(line, "file"):
		hook, err := log.FileHookFromConfigLine(c.fs, c.fallbackLogger, line)
		if err != nil {
			return err
		}
		c.logger.AddHook(hook)
		c.logger.SetOutput(io.Discard)
		go hook.Listen(c.ctx)
	default:
		return fmt.Errorf("unsupported log output `%s`", line)
	}

	switch c.logFmt {
	case "raw":
		c.logger.SetFormatter(&logrus.TextFormatter{DisableColors: true})
	case "json":
		c.logger.SetFormatter(&logrus.JSONFormatter{})
	case "":
		c.logger.SetFormatter(&logrus.TextFormatter{ForceColors: stdoutTTY && !c.noColor})
	default:
		return fmt.Errorf("unsupported log format `%s`", c.logFmt)
	}
	if c.noColor {
		stdout = colorable.NewNonColorable(os.Stdout)
		color.NoColor = true
	}
	stdlog.SetOutput(c.logger.Writer())
	return nil
}

// Execute is the CLI entry point, called by main.main.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}
	var fallbackLogger logrus.FieldLogger = &logrus.Logger{
		Out:       os.Stderr,
		Formatter: new(logrus.TextFormatter),
		Hooks:     make(logrus.LevelHooks),
		Level:     logrus.InfoLevel,
	}

	c := newRootCommand(ctx, logger, fallbackLogger)
	c.cmd.AddCommand(
		getMonitorCmd(c),
		getTabsCmd(c),
		getSnapshotCmd(c),
		getVersionCmd(),
	)

	if err := c.cmd.Execute(); err != nil {
		logger.Error(err)
		os.Exit(1)
	}
}
