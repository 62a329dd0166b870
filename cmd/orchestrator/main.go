// Command orchestrator runs the command orchestration service: it accepts
// commands, drives their workflow instances through provider fan-out, and
// serves the provider callback endpoint.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/teamcloud/orchestrator/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "orchestrator",
	Short: "TeamCloud command orchestrator",
	Long: `The orchestrator processes commands against projects and providers.
Commands run as crash-recoverable workflow instances: every side effect is
checkpointed, so a restart replays an interrupted command instead of
repeating its completed steps.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	rootCmd.AddCommand(serveCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ORCHESTRATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
	config.SetDefaults(viper.GetViper())

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
		if err := viper.ReadInConfig(); err != nil {
			fmt.Fprintln(os.Stderr, "error reading config:", err)
			os.Exit(1)
		}
	}
}

func addPersistentFlags() {
	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "config file path")
	pf.String("data-dir", ".orchestrator", "data directory for the database and queue storage")
	pf.String("http-addr", ":8080", "callback server listen address")
	pf.String("base-url", "http://localhost:8080", "externally reachable callback base URL")
	pf.Int("workers", 4, "queue worker pool size")
	pf.String("secret-keeper-url", "", "gocloud secrets keeper URL for provider auth codes")
	pf.String("otlp-endpoint", "", "OTLP trace collector endpoint")
	_ = viper.BindPFlag("config", pf.Lookup("config"))
	_ = viper.BindPFlag("data_dir", pf.Lookup("data-dir"))
	_ = viper.BindPFlag("http_addr", pf.Lookup("http-addr"))
	_ = viper.BindPFlag("base_url", pf.Lookup("base-url"))
	_ = viper.BindPFlag("workers", pf.Lookup("workers"))
	_ = viper.BindPFlag("secret_keeper_url", pf.Lookup("secret-keeper-url"))
	_ = viper.BindPFlag("otlp_endpoint", pf.Lookup("otlp-endpoint"))
}
