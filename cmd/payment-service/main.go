package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/paysaga/internal/app"
	"github.com/vladislavdragonenkov/paysaga/internal/version"
)

// setupLogger настраивает формат и уровень логирования для сервиса.
func setupLogger(lookup envLookup) {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	level, err := readLogLevel(lookup)
	if err != nil {
		log.WithError(err).Warn("invalid log level, using info")
	}
	log.SetLevel(level)
}

func main() {
	if err := loadDotEnv(os.LookupEnv); err != nil {
		log.WithError(err).Warn("failed to load env file")
	}
	setupLogger(os.LookupEnv)

	cfg, warnings := readConfigFromEnv(os.LookupEnv)
	for _, warning := range warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.WithFields(log.Fields{
		"grpc_addr":        cfg.GRPCAddr,
		"metrics_addr":     cfg.MetricsAddr,
		"storage_driver":   cfg.StorageDriver,
		"gateway_provider": cfg.GatewayProvider,
		"redis":            cfg.RedisURL != "",
		"kafka":            cfg.KafkaBrokers != "",
		"version":          version.String(),
	}).Info("запускаем PaymentService")

	if err := app.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Fatal("приложение завершилось с ошибкой")
	}

	log.Info("PaymentService остановлен")
}
