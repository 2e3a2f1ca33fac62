package main

import (
	"context"
	"errors"
	"log"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/strikenet/internal/alert"
	"github.com/shaunagostinho/strikenet/internal/history"
	"github.com/shaunagostinho/strikenet/internal/server"
	"github.com/shaunagostinho/strikenet/web"
)

var receiverCmd = &cobra.Command{
	Use:   "receiver",
	Short: "Gather strikes from collectors and serve the display",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		if listen, _ := cmd.Flags().GetString("listen"); listen != "" {
			cfg.Receiver.HTTPAddr = listen
		}
		log.Println("[main] strikenet receiver starting")

		ctx, cancel := signalContext()
		defer cancel()

		var opts []server.Option
		if hc := cfg.History; hc.Enabled {
			store := history.New(hc.Addr, hc.Password, hc.DB,
				history.WithKey(hc.Key), history.WithLimit(hc.Limit))
			defer store.Close()
			// Redis connects lazily; this only reports when it is reachable.
			go connectWithRetry(ctx, "history", store.Ping, 10)
			opts = append(opts, server.WithHistory(store))
		}
		if ac := cfg.Alert; ac.Enabled {
			display := cfg.DisplaySettings()
			pub := alert.New(alert.Config{
				Broker:   ac.Broker,
				ClientID: ac.ClientID,
				Username: ac.Username,
				Password: ac.Password,
				Topic:    ac.Topic,
				QoS:      ac.QoS,
				MaxKM:    ac.MaxKM,
				WarnKM:   display.WarnKM,
				DangerKM: display.DangerKM,
			})
			defer pub.Close()
			go connectWithRetry(ctx, "alert", pub.Connect, 10)
			opts = append(opts, server.WithAlerts(pub))
		}

		// Start server; collectors and displays connect regardless of sinks
		srv := server.New(cfg, web.FS, opts...)
		if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(receiverCmd)
	receiverCmd.Flags().String("listen", "", "Override HTTP listen address (e.g. :8080)")
}

