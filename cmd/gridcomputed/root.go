// Command gridcomputed is the GridCompute node process: it wires the Case
// Registry, Case Archive, Capability Index, Worker Pool, and
// Scheduler/Lifecycle Engine together through the Orchestration Facade and
// runs them until asked to stop.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gridcompute/gridcompute/internal/config"
)

// pointerFile is the path to the pointer file naming the shared folder root,
// set via --pointer-file or the GRIDCOMPUTE_POINTER_FILE environment
// variable.
var pointerFile string

var rootCmd = &cobra.Command{
	Use:   "gridcomputed",
	Short: "GridCompute grid node: submit, claim, and process cases",
	Long: `gridcomputed runs one GridCompute node.

With no subcommand it starts the node daemon: the poll & claim loop,
heartbeat duty, completion path, reclamation duty, and result retrieval,
plus the optional machine heartbeat, Change Notifier subscriber, and Status
Surface. Run "gridcomputed submit" to submit a new case from this machine
without starting the daemon.`,
	Run: runServe,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&pointerFile, "pointer-file", "", "path to the shared folder pointer file (required)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "log format (text, json)")
	rootCmd.PersistentFlags().String("status-http-addr", "", "optional Status Surface listen address, e.g. :8077")
	rootCmd.PersistentFlags().String("redis-url", "", "optional claim-miss cache Redis URL")
	rootCmd.PersistentFlags().String("amqp-url", "", "optional Change Notifier AMQP URL")
	rootCmd.PersistentFlags().String("machine", "", "this machine's identity (default: hostname)")
	rootCmd.PersistentFlags().String("user", "", "this user's identity (default: OS user)")

	viper.BindPFlag("pointer_file", rootCmd.PersistentFlags().Lookup("pointer-file"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("status_http_addr", rootCmd.PersistentFlags().Lookup("status-http-addr"))
	viper.BindPFlag("redis_url", rootCmd.PersistentFlags().Lookup("redis-url"))
	viper.BindPFlag("amqp_url", rootCmd.PersistentFlags().Lookup("amqp-url"))
	viper.BindPFlag("machine", rootCmd.PersistentFlags().Lookup("machine"))
	viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
}

// initConfig enables GRIDCOMPUTE_* environment variable overrides, matching
// the flag > env var > settings file > default precedence SPEC_FULL.md §6
// specifies.
func initConfig() {
	viper.SetEnvPrefix(config.EnvPrefix)
	viper.AutomaticEnv()
}

func loadConfig() (*config.Config, error) {
	pf := viper.GetString("pointer_file")
	if pf == "" {
		pf = pointerFile
	}
	return config.Load(pf, viper.GetViper())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
