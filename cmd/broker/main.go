package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/hongjun500/chatrelay/internal/broker"
	"github.com/hongjun500/chatrelay/internal/config"
	"github.com/hongjun500/chatrelay/internal/logging"
	"github.com/hongjun500/chatrelay/internal/observe"
)

func main() {
	cfg := config.LoadBroker()
	logging.SetLevel(cfg.LogLevel)
	log := logging.Named("main")

	if cfg.MetricsAddr != "" {
		go func() {
			if err := observe.Serve(cfg.MetricsAddr); err != nil {
				log.Warn("metrics server exited", zap.Error(err))
			}
		}()
	}

	br := broker.New(cfg)
	if err := br.Start(); err != nil {
		log.Error("broker exited", zap.Error(err))
		os.Exit(1)
	}
}
