package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/shaunagostinho/strikenet/internal/collector"
	"github.com/shaunagostinho/strikenet/internal/config"
	"github.com/shaunagostinho/strikenet/internal/nodemcu"
	"github.com/shaunagostinho/strikenet/internal/strike"
)

var collectorCmd = &cobra.Command{
	Use:   "collector",
	Short: "Forward detector strikes to the receiver over the radio",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		log.Println("[main] strikenet collector starting")

		ctx, cancel := signalContext()
		defer cancel()

		cc := cfg.Collector
		kind, err := nodemcu.ParseKind(cc.Protocol)
		if err != nil {
			return err
		}
		src, err := newSource(cc)
		if err != nil {
			return err
		}
		defer src.Close()

		if cc.MetricsAddr != "" {
			go serveMetrics(ctx, cc.MetricsAddr)
		}

		radio, release, err := openRadio(ctx, cmd, cfg)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		defer release()

		c := collector.New(radio, src, collector.Config{
			SSID:       cfg.WiFi.SSID,
			Passphrase: cfg.WiFi.Passphrase,
			Host:       cc.ServerHost,
			Port:       cc.ServerPort,
			Kind:       kind,
			RetryDelay: cc.RetryDelay(),
		})
		if err := c.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(collectorCmd)
}

func newSource(cc config.CollectorConfig) (strike.Source, error) {
	switch cc.Source {
	case "demo", "":
		return strike.NewDemoSource(uint8(cc.DetectorID),
			time.Duration(cc.DemoMinMS)*time.Millisecond,
			time.Duration(cc.DemoMaxMS)*time.Millisecond), nil
	}
	return nil, fmt.Errorf("unknown strike source %q", cc.Source)
}

func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	log.Printf("[main] metrics on %s", addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Printf("[main] metrics server: %v", err)
	}
}
