// Command dialer runs the outbound call dialer and call-leg correlator.
// Like the teacher's cmd/router, it is dual-mode: bare flags run the
// long-lived server directly, while invoking it with a subcommand
// (run/numbers/status) goes through the cobra CLI tree.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/hamzaKhattat/ari-outbound-dialer/internal/config"
	"github.com/hamzaKhattat/ari-outbound-dialer/internal/control"
	"github.com/hamzaKhattat/ari-outbound-dialer/pkg/logger"
)

var verbose bool

var (
	green = color.New(color.FgGreen).SprintFunc()
	red   = color.New(color.FgRed).SprintFunc()
)

func main() {
	serve := flag.Bool("serve", false, "Run the dialer server directly")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.Parse()

	if *serve {
		runServer()
		return
	}

	runCLI()
}

func runCLI() {
	rootCmd := &cobra.Command{
		Use:   "dialer",
		Short: "Outbound call dialer and call-leg correlator",
		Long:  "Originates calls through a SIP trunk via Asterisk ARI, bridges to an agent extension, records, and correlates both legs into a persisted summary.",
	}

	rootCmd.AddCommand(
		createRunCommand(),
		createNumbersCommand(),
		createStatusCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func createRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the dialer's control surface and wait for /start",
		Run: func(cmd *cobra.Command, args []string) {
			runServer()
		},
	}
}

func createNumbersCommand() *cobra.Command {
	numbersCmd := &cobra.Command{
		Use:   "numbers",
		Short: "Inspect the configured outbound number list",
	}
	numbersCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Load OUTBOUND_NUMBER/OUTBOUND_NUMBER_FILE and report the validated list",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "config error: %v\n", err)
				os.Exit(1)
			}
			numbers, err := cfg.LoadNumbers()
			if err != nil {
				fmt.Fprintf(os.Stderr, "number list error: %v\n", err)
				os.Exit(1)
			}
			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"#", "Number"})
			for i, n := range numbers {
				table.Append([]string{fmt.Sprintf("%d", i+1), n})
			}
			table.Render()
			fmt.Printf("%s valid number(s)\n", green(len(numbers)))
		},
	})
	return numbersCmd
}

func createStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query a running dialer's readiness endpoint",
		Run: func(cmd *cobra.Command, args []string) {
			cfg, err := config.Load()
			if err != nil {
				fmt.Fprintf(os.Stderr, "config error: %v\n", err)
				os.Exit(1)
			}
			resp, err := http.Get(fmt.Sprintf("http://%s/health/ready", cfg.ControlAddr))
			if err != nil {
				fmt.Fprintf(os.Stderr, "failed to reach control surface at %s: %v\n", cfg.ControlAddr, err)
				os.Exit(1)
			}
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				fmt.Printf("control surface responded %s\n", green(resp.Status))
				return
			}
			fmt.Printf("control surface responded %s\n", red(resp.Status))
			os.Exit(1)
		},
	}
}

func runServer() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logLevel := cfg.LogLevel
	if verbose {
		logLevel = "debug"
	}
	if err := logger.Init(logger.Config{Level: logLevel, Format: cfg.LogFormat, Output: "stdout"}); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	srv := control.New()
	httpServer := &http.Server{
		Addr:    cfg.ControlAddr,
		Handler: srv.Router(),
	}

	go func() {
		logger.WithField("addr", cfg.ControlAddr).Info("control surface listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("error", err.Error()).Fatal("control surface failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithField("error", err.Error()).Error("error shutting down control surface")
	}
	srv.Shutdown()
	logger.Info("shutdown complete")
}
