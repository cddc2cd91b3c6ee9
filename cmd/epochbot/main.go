package main

import (
	"context"
	_ "embed"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/template"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/epochwatch/epochbot/internal/config"
	"github.com/epochwatch/epochbot/internal/logger"
	"github.com/epochwatch/epochbot/internal/meta"
)

type EpochbotCommand struct {
	OutStream io.Writer
	ErrStream io.Writer

	ConfigPath  string
	EnvFile     string
	LogLevel    string
	OneshotMode bool
	ShowVersion bool
	ShowHelp    bool
}

var defaultEpochbotCommand = &EpochbotCommand{
	OutStream: os.Stdout,
	ErrStream: os.Stderr,
}

//go:embed help.txt
var helpText string

func (cmd *EpochbotCommand) PrintUsage(detail bool) {
	tmpl := template.Must(template.New("help.txt").Parse(helpText))
	tmpl.Execute(cmd.ErrStream, map[string]interface{}{
		"Version": meta.Version,
		"Short":   !detail,
	})
}

func (cmd *EpochbotCommand) ParseArgs(args []string) (exitCode int) {
	flags := pflag.NewFlagSet("epochbot", pflag.ContinueOnError)

	flags.StringVarP(&cmd.ConfigPath, "config", "c", "epochbot.yaml", "Path to the configuration file")
	flags.StringVarP(&cmd.EnvFile, "env-file", "e", "", "Load environment variables from this file")
	flags.StringVarP(&cmd.LogLevel, "log-level", "l", "", "Override the configured log level")
	flags.BoolVarP(&cmd.OneshotMode, "oneshot", "1", false, "Probe the endpoints once and exit")
	flags.BoolVarP(&cmd.ShowVersion, "version", "v", false, "Show version")
	flags.BoolVarP(&cmd.ShowHelp, "help", "h", false, "Show help message")

	if err := flags.Parse(args[1:]); err != nil {
		fmt.Fprintln(cmd.ErrStream, err)
		fmt.Fprintf(cmd.ErrStream, "\nPlease see `%s -h` for more information.\n", args[0])
		return 2
	}

	if len(flags.Args()) > 0 {
		fmt.Fprintf(cmd.ErrStream, "unexpected argument: %s\n", flags.Args()[0])
		fmt.Fprintf(cmd.ErrStream, "\nPlease see `%s -h` for more information.\n", args[0])
		return 2
	}

	return 0
}

func (cmd *EpochbotCommand) PrintVersion() {
	fmt.Fprintf(cmd.OutStream, "Epochbot version %s (%s)\n", meta.Version, meta.Commit)
}

func (cmd *EpochbotCommand) Run(args []string) (exitCode int) {
	if code := cmd.ParseArgs(args); code != 0 {
		return code
	}

	if cmd.ShowVersion {
		cmd.PrintVersion()
		return 0
	}

	if cmd.ShowHelp {
		cmd.PrintUsage(true)
		return 0
	}

	if cmd.EnvFile != "" {
		if err := godotenv.Load(cmd.EnvFile); err != nil {
			fmt.Fprintf(cmd.ErrStream, "error: failed to load env file: %s\n", err)
			return 2
		}
	} else {
		// A local .env is a convenience, not a requirement.
		godotenv.Load()
	}

	cfg, err := config.Load(cmd.ConfigPath)
	if err != nil {
		fmt.Fprintf(cmd.ErrStream, "error: %s\n", err)
		return 2
	}
	if cmd.LogLevel != "" {
		cfg.LogLevel = cmd.LogLevel
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cmd.OneshotMode {
		return cmd.RunOneshot(ctx, cfg)
	}

	if cfg.Token == "" {
		fmt.Fprintln(cmd.ErrStream, "error: DISCORD_BOT_TOKEN is not set.")
		return 2
	}

	log := logger.New(cfg.LogLevel, isatty.IsTerminal(os.Stderr.Fd()))
	defer log.Sync()

	return cmd.RunServer(ctx, cfg, log)
}

func main() {
	os.Exit(defaultEpochbotCommand.Run(os.Args))
}
