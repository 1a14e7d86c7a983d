package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"crypto-backtest-engine/internal/algorithm"
	"crypto-backtest-engine/internal/candles"
	"crypto-backtest-engine/internal/engine"
	"crypto-backtest-engine/internal/logging"
)

func main() {
	// Try the usual locations for .env
	exe, _ := os.Executable()
	exeDir := filepath.Dir(exe)
	godotenv.Load()
	godotenv.Load(".env")
	godotenv.Load(filepath.Join(exeDir, ".env"))

	var (
		csvPath     = flag.String("csv", "", "candle CSV file (header: coin_id,timestamp,open,high,low,close,volume)")
		algorithmID = flag.String("algorithm", "momentum", "algorithm id (momentum, meanrevert)")
		algoConfig  = flag.String("config", "", `algorithm config overrides as JSON, e.g. '{"fast_period":5}'`)
		capital     = flag.Float64("capital", 10000, "initial capital")
		seed        = flag.String("seed", "", "deterministic seed; defaults to the dataset id")
		start       = flag.String("start", "", "trading start date YYYY-MM-DD; earlier bars only warm up the algorithm")
		logLevel    = flag.String("log-level", "warn", "log level during the run")
	)
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("❌ -csv is required")
		flag.Usage()
		os.Exit(1)
	}

	absPath, err := filepath.Abs(*csvPath)
	if err != nil {
		fmt.Printf("❌ Bad csv path: %v\n", err)
		os.Exit(1)
	}
	datasetID := strings.TrimSuffix(filepath.Base(absPath), filepath.Ext(absPath))

	logger := logging.New(logging.Config{Level: *logLevel, Output: "stderr", JSONFormat: false})

	registry := algorithm.NewRegistry()
	registry.Register(algorithm.NewMomentum(algorithm.MomentumConfig{}))
	registry.Register(algorithm.NewMeanRevert(algorithm.MeanRevertConfig{}))
	registry.Register(algorithm.NewTrendFollow(algorithm.TrendFollowConfig{}))

	provider := candles.NewFileProvider(filepath.Dir(absPath), logger)
	dataset := candles.DatasetRef{
		Kind:  candles.DatasetCSV,
		ID:    datasetID,
		Paths: []string{filepath.Base(absPath)},
	}

	ctx := context.Background()
	fmt.Printf("📂 Loading %s...\n", *csvPath)
	data, err := provider.GetCandles(ctx, dataset)
	if err != nil {
		fmt.Printf("❌ Failed to load candles: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   %d candles across %d coins\n", len(data), len(candles.CoinIDs(data)))

	cfg := engine.DefaultConfig()
	cfg.BacktestID = "cli-" + datasetID
	cfg.DatasetID = datasetID
	cfg.AlgorithmID = *algorithmID
	cfg.InitialCapital = *capital
	cfg.Seed = *seed
	if cfg.Seed == "" {
		cfg.Seed = datasetID
	}
	if *algoConfig != "" {
		if err := json.Unmarshal([]byte(*algoConfig), &cfg.AlgorithmConfig); err != nil {
			fmt.Printf("❌ Bad -config JSON: %v\n", err)
			os.Exit(1)
		}
	}
	if *start != "" {
		t, err := time.Parse("2006-01-02", *start)
		if err != nil {
			fmt.Printf("❌ Bad -start date (want YYYY-MM-DD): %v\n", err)
			os.Exit(1)
		}
		cfg.StartDate = t.UTC().UnixMilli()
	}

	fmt.Printf("🚀 Running %s over %s (capital $%.2f, seed %q)\n", *algorithmID, datasetID, *capital, cfg.Seed)
	started := time.Now()

	result, err := engine.New(cfg, registry, logger).Run(ctx, data, nil, engine.Callbacks{})
	if err != nil {
		fmt.Printf("❌ Run failed: %v\n", err)
		os.Exit(1)
	}

	printResult(result, time.Since(started))
	if result.Status != engine.StatusCompleted {
		os.Exit(1)
	}
}

func printResult(res *engine.Result, elapsed time.Duration) {
	fmt.Println("\n========================================")
	fmt.Println(" BACKTEST RESULTS")
	fmt.Println("========================================")
	fmt.Printf("  Status:        %s\n", res.Status)
	fmt.Printf("  Bars:          %d/%d in %.2fs\n", res.ProcessedBars, res.TotalBars, elapsed.Seconds())

	if res.Status != engine.StatusCompleted {
		if res.ErrorMessage != "" {
			fmt.Printf("  Error:         %s\n", res.ErrorMessage)
		}
		return
	}

	m := res.Metrics
	fmt.Printf("  Final value:   $%.2f\n", m.FinalValue)
	fmt.Printf("  Total return:  %+.2f%%\n", m.TotalReturn*100)
	fmt.Printf("  Annualized:    %+.2f%%\n", m.AnnualizedReturn*100)
	fmt.Printf("  Max drawdown:  %.2f%%\n", m.MaxDrawdown*100)
	fmt.Printf("  Sharpe ratio:  %.2f\n", m.SharpeRatio)
	fmt.Printf("  Volatility:    %.2f%%\n", m.Volatility*100)
	fmt.Printf("  Profit factor: %.2f\n", m.ProfitFactor)
	fmt.Printf("  Trades:        %d (%d sells, %d winners)\n", m.TotalTrades, m.TotalSells, m.WinningSells)
	fmt.Printf("  Win rate:      %.1f%%\n", m.WinRate*100)
	fmt.Printf("  Duration:      %.1f days\n", m.DurationDays)

	fmt.Printf("\n  💰 Final cash: $%.2f\n", res.FinalPortfolio.CashBalance)
	if len(res.FinalPortfolio.Positions) > 0 {
		fmt.Println("  📦 Open positions:")
		for _, p := range res.FinalPortfolio.Positions {
			fmt.Printf("     %-8s %.6f @ $%.2f\n", p.CoinID, p.Quantity, p.AveragePrice)
		}
	}
}
