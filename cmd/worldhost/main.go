package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/annel0/worldhost/internal/app"
	"github.com/annel0/worldhost/internal/config"
	"github.com/annel0/worldhost/internal/logging"
	"github.com/annel0/worldhost/internal/observability"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "путь к YAML-конфигу (по умолчанию $"+config.EnvConfigPath+")")
	checkOnly := flag.Bool("check", false, "проверить конфигурацию и выйти")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Ошибка загрузки конфигурации: %v", err)
	}
	if err := app.ValidateConfig(cfg); err != nil {
		log.Fatalf("❌ Некорректная конфигурация:\n%v", err)
	}
	if *checkOnly {
		fmt.Println("configuration OK")
		return
	}

	logging.Configure(logOptions(cfg.Log))
	if err := logging.InitDefaultLogger("worldhost"); err != nil {
		log.Fatalf("❌ Ошибка инициализации логирования: %v", err)
	}
	defer logging.CloseDefaultLogger()

	logging.Info("🌍 Запуск worldhost %s", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := observability.InitTelemetry(ctx, observability.Options{
		Enabled:        cfg.Telemetry.Enabled,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRatio:    cfg.Telemetry.SampleRatio,
		ServiceName:    "worldhost",
		ServiceVersion: version,
	})
	if err != nil {
		logging.Error("❌ Ошибка инициализации OpenTelemetry: %v", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTelemetry(context.Background()); err != nil {
			logging.Warn("OpenTelemetry shutdown: %v", err)
		}
	}()

	a, err := app.Build(ctx, cfg)
	if err != nil {
		logging.Error("❌ Ошибка инициализации: %v", err)
		os.Exit(1)
	}

	logging.Info("✅ worldhost запущен, ожидание сигналов завершения...")
	if err := a.Run(ctx); err != nil {
		logging.Error("⚠️ Завершение с ошибками: %v", err)
	}
	logging.Info("👋 worldhost остановлен")
}

func logOptions(c config.LogConfig) logging.Options {
	opts := logging.DefaultOptions()
	if lvl, ok := logging.ParseLevel(c.Level); ok {
		opts.ConsoleLevel = lvl
	}
	opts.Dir = c.Dir
	opts.NoColor = c.NoColor
	return opts
}
