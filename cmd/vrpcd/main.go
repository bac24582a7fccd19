// Command vrpcd starts a vrpc-r agent process: it reads broker/domain/
// agent configuration from flags, environment and config file via
// cobra/viper, connects to the MQTT broker, and dispatches calls to a
// host-supplied ExecutionAdapter until interrupted.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/heisenware/vrpc-r/agent"
	"github.com/heisenware/vrpc-r/identity"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "vrpcd",
		Short: "vrpc-r remote procedure call agent",
		Long:  "vrpcd exposes a host scripting environment as a callable service over an MQTT message bus.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(v)
		},
	}

	flags := cmd.Flags()
	flags.String("broker", "mqtt://localhost:1883", "MQTT broker URL, e.g. mqtts://broker.example.com:8883")
	flags.String("domain", "", "domain segment of the agent's topic namespace (required)")
	flags.String("agent", "", "agent segment; generated from host identity if omitted")
	flags.StringSlice("functions", nil, "names of functions the adapter exposes")
	flags.String("username", "", "MQTT username")
	flags.String("password", "", "MQTT password")
	flags.String("token", "", "bearer token, used as username when set and username is empty")
	flags.String("version", "", "free-form version string advertised in agentInfo")
	flags.String("config", "", "path to a config file (yaml/json/toml) merged under the flags")

	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("vrpc")
	v.AutomaticEnv()

	cobra.OnInitialize(func() {
		if path := v.GetString("config"); path != "" {
			v.SetConfigFile(path)
			if err := v.ReadInConfig(); err != nil {
				fmt.Fprintf(os.Stderr, "vrpcd: failed to read config file: %v\n", err)
			}
		}
	})

	return cmd
}

func run(v *viper.Viper) error {
	logger := newLogger()

	opts, err := identity.FromMap(v.AllSettings())
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		return err
	}

	id := identity.DeriveIdentity(opts)
	if opts.Agent == "" {
		opts.Agent = id.AgentName
	}

	printBanner(opts)

	a := agent.New(opts, id, agent.ExecutionAdapterFunc(unimplementedAdapter), agent.WithLogger(logger))

	if err := a.Run(); err != nil {
		logger.Error("failed to start agent", "error", err)
		return err
	}

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, os.Interrupt, syscall.SIGTERM)
	<-sigc

	logger.Info("shutdown signal received")
	return a.Shutdown()
}

// unimplementedAdapter is the adapter wired by the bare vrpcd binary: it
// only logs the call. A real deployment imports package agent and passes
// its own agent.ExecutionAdapter, wired to its scripting host, to
// agent.New.
func unimplementedAdapter(function, argsJSON string, callID int64, instance string) {
	slog.Default().Error("no execution adapter configured", "function", function, "callID", callID, "instance", instance)
}

func newLogger() *slog.Logger {
	if isatty.IsTerminal(os.Stderr.Fd()) {
		return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
			Level:      slog.LevelInfo,
			TimeFormat: time.Kitchen,
		}))
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
}

func printBanner(opts identity.Options) {
	bold := color.New(color.Bold).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()
	fmt.Fprintf(os.Stderr, "%s\n", bold("vrpc-r agent"))
	fmt.Fprintf(os.Stderr, "Domain : %s\n", cyan(opts.Domain))
	fmt.Fprintf(os.Stderr, "Agent  : %s\n", cyan(opts.Agent))
	fmt.Fprintf(os.Stderr, "Broker : %s:%s (%s)\n", opts.Host, opts.Port, opts.Scheme)
}
