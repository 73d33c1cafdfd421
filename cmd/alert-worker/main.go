package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/synaptica-ai/interaction-engine/pkg/alerting"
	"github.com/synaptica-ai/interaction-engine/pkg/common/config"
	"github.com/synaptica-ai/interaction-engine/pkg/common/kafka"
	"github.com/synaptica-ai/interaction-engine/pkg/common/logger"
	"github.com/synaptica-ai/interaction-engine/pkg/gateway/httpclient"
)

func main() {
	logger.Init()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := httpclient.NewAuthenticated(ctx, cfg.CallbackTimeout, httpclient.ClientCredentials{
		ClientID:     cfg.CallbackClientID,
		ClientSecret: cfg.CallbackClientSecret,
		TokenURL:     cfg.CallbackTokenURL,
	})
	relay := alerting.NewRelay(client, cfg.AlertWebhookURL, cfg.CallbackRetries)

	alerts := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaAlertTopic, cfg.KafkaGroupID+"-alerts")
	defer alerts.Close()
	incidents := kafka.NewConsumer(cfg.KafkaBrokers, cfg.KafkaIncidentTopic, cfg.KafkaGroupID+"-incidents")
	defer incidents.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return alerts.Consume(gctx, relay.Handle) })
	g.Go(func() error { return incidents.Consume(gctx, relay.Handle) })

	logger.Log.WithFields(map[string]interface{}{
		"alert_topic":    cfg.KafkaAlertTopic,
		"incident_topic": cfg.KafkaIncidentTopic,
		"webhook":        cfg.AlertWebhookURL != "",
	}).Info("Alert Worker started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-gctx.Done():
	}

	logger.Log.Info("Shutting down Alert Worker...")
	cancel()
	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Log.WithError(err).Error("Consumer error")
	}
	logger.Log.Info("Alert Worker stopped")
}
