package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/forgehost/forgehost/pkg/boundedhttp"
	"github.com/forgehost/forgehost/pkg/config"
	"github.com/forgehost/forgehost/pkg/container"
	"github.com/forgehost/forgehost/pkg/db"
	"github.com/forgehost/forgehost/pkg/downloader"
	"github.com/forgehost/forgehost/pkg/httpapi"
	"github.com/forgehost/forgehost/pkg/log"
	"github.com/forgehost/forgehost/pkg/marketplace"
	"github.com/forgehost/forgehost/pkg/publishworker"
	"github.com/forgehost/forgehost/pkg/ratelimit"
	"github.com/forgehost/forgehost/pkg/shield"
	"github.com/forgehost/forgehost/pkg/supervisor"
)

// argExitCode is returned for both CLI-argument and config-load errors,
// per the one exit code the CLI contract reserves for anything short of
// a clean run.
const argExitCode = 2

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(argExitCode)
	}
}

var rootCmd = &cobra.Command{
	Use:   "forgehost [config-path]",
	Short: "forgehost orchestrates workshop-item builds and publishes",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runServer,
}

func init() {
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.Flags().Bool("show-default", false, "Print the default configuration as TOML and exit")
	rootCmd.Flags().Bool("check", false, "Load and validate the config file, then exit without starting")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServer(cmd *cobra.Command, args []string) error {
	showDefault, _ := cmd.Flags().GetBool("show-default")
	if showDefault {
		return config.WriteDefault(os.Stdout)
	}

	configPath := "forgehost.toml"
	if len(args) == 1 {
		configPath = args[0]
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	check, _ := cmd.Flags().GetBool("check")
	if check {
		fmt.Println("config OK")
		return nil
	}

	logger := log.WithComponent("main")

	dbActor, err := db.Open(cfg.DatabasePath)
	if err != nil {
		return err
	}

	marketplaceClient := newBoundedClient(cfg.Marketplace)
	downloaderClient := newBoundedClient(cfg.Downloader)
	engineClient := newBoundedClient(cfg.Engine)

	mp := marketplace.New(marketplaceClient, cfg.Marketplace.BaseURL)
	dl := downloader.New(downloaderClient, cfg.Downloader.BaseURL)
	cc := container.New(engineClient)

	limiter := ratelimit.New(ratelimit.DefaultOptions())
	sh := shield.New()
	pw := publishworker.New(dbActor, cc, cfg.Containers, 8)

	frontend := httpapi.New(cfg, dbActor, mp, dl, cc, pw, limiter, sh)
	httpServer := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: frontend.Router(),
	}

	logger.Info().Str("addr", cfg.ListenAddress).Msg("starting forgehost")

	sup := supervisor.New(httpServer, pw, dbActor, sh, supervisor.DefaultEscalation())
	os.Exit(sup.Run())
	return nil
}

func newBoundedClient(sc config.ServiceClient) *boundedhttp.Client {
	readTimeout, never, err := sc.ReadTimeoutDuration()
	if err != nil {
		log.Logger.Fatal().Err(err).Msg("invalid read_timeout in config")
	}
	if never {
		readTimeout = 0
	}
	return boundedhttp.New(boundedhttp.Options{
		Concurrency: sc.Concurrency,
		UnixSocket:  sc.UnixSocket,
		ReadTimeout: readTimeout,
		UserAgent:   sc.UserAgent,
	})
}
