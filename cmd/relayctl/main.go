// Command relayctl drives a running relay: it sends entry and exit signals,
// reads stored trades and fetches operator tokens.
package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// init configures pretty console logging
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

type rootConfig struct {
	server  string
	secret  string
	token   string
	timeout time.Duration
	debug   bool
}

func (rc *rootConfig) client() *relayClient {
	return newRelayClient(rc.server, rc.secret, rc.token, rc.timeout)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func newRootCmd() *cobra.Command {
	cfg := &rootConfig{}

	cmd := &cobra.Command{
		Use:           "relayctl",
		Short:         "relayctl talks to a running signal relay",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if cfg.debug {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&cfg.server, "server", envOr("RELAY_URL", "http://localhost:3000"), "relay base URL")
	flags.StringVar(&cfg.secret, "secret", os.Getenv("WEBHOOK_SECRET"), "webhook secret sent with signals")
	flags.StringVar(&cfg.token, "token", os.Getenv("RELAY_TOKEN"), "operator JWT for debug routes")
	flags.DurationVar(&cfg.timeout, "timeout", 45*time.Second, "HTTP timeout")
	flags.BoolVar(&cfg.debug, "debug", false, "log raw responses")

	cmd.AddCommand(
		newEntryCmd(cfg),
		newExitCmd(cfg),
		newTradesCmd(cfg),
		newHealthCmd(cfg),
		newTokenCmd(cfg),
		newLoadCmd(cfg),
	)
	return cmd
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
