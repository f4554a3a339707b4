package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/joho/godotenv"

	"stock_sentinel/internal/config"
	"stock_sentinel/internal/daemon"
	"stock_sentinel/pkg/logging"
	"stock_sentinel/pkg/telemetry"
)

var (
	configFile  = flag.String("config", "configs/sentinel.yaml", "Path to configuration file")
	printConfig = flag.Bool("print-config", false, "Print the effective configuration and exit")
)

func main() {
	flag.Parse()

	// .env first so ${VAR} expansion in the YAML resolves.
	if err := godotenv.Load(); err == nil {
		fmt.Fprintln(os.Stderr, "loaded environment from .env")
	}
	if envConfig := os.Getenv("SENTINEL_CONFIG"); envConfig != "" {
		*configFile = envConfig
	}

	cfg := config.DefaultConfig()
	if _, err := os.Stat(*configFile); err == nil {
		loaded, err := config.LoadConfig(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	} else {
		fmt.Fprintf(os.Stderr, "config file %s not found, using defaults\n", *configFile)
	}

	if *printConfig {
		printConfigSummary(cfg)
		return
	}

	logger, err := logging.NewZapLogger(cfg.App.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}

	tel, err := telemetry.Setup(cfg.App.Name)
	if err != nil {
		logger.Fatal("Telemetry setup failed", "error", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			logger.Error("Telemetry shutdown failed", "error", err)
		}
	}()

	d, err := daemon.New(cfg, logger)
	if err != nil {
		logger.Fatal("Daemon init failed", "error", err)
	}

	if err := d.Run(context.Background()); err != nil {
		logger.Fatal("Daemon exited with error", "error", err)
	}
}

// printConfigSummary renders the effective configuration. Secrets
// redact themselves during marshalling.
func printConfigSummary(cfg *config.Config) {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.SetTitle("Stock Sentinel configuration")
	t.AppendHeader(table.Row{"Setting", "Value"})
	t.AppendRows([]table.Row{
		{"app.name", cfg.App.Name},
		{"app.timezone", cfg.App.Timezone},
		{"app.simulation_mode", cfg.App.SimulationMode},
		{"database.path", cfg.Database.Path},
		{"broker.gateway_url", orDefault(cfg.Broker.GatewayURL, "(mock)")},
		{"market_data.base_url", orDefault(cfg.MarketData.BaseURL, "(mock)")},
		{"trading.enable_auto_trading", cfg.Trading.EnableAutoTrading},
		{"trading.stop_loss_ratio", cfg.Trading.StopLossRatio},
		{"trading.first_take_profit_ratio", cfg.Trading.FirstTakeProfitRatio},
		{"monitor.trading_sessions", strings.Join(cfg.Monitor.TradingSessions, ", ")},
		{"orders.reorder_price_mode", cfg.Orders.ReorderPriceMode},
		{"server.enabled", cfg.Server.Enabled},
		{"server.port", cfg.Server.Port},
		{"metrics.enabled", cfg.Metrics.Enabled},
		{"probe.enabled", cfg.Probe.Enabled},
		{"alerts.enabled", cfg.Alerts.Enabled},
	})
	t.Render()

	fmt.Println()
	fmt.Println(cfg.String())
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
