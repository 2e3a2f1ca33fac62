package main

import (
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/strikenet/internal/nodemcu"
)

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check the radio: reset, join, resolve and open a connection",
	Long: `probe walks the radio through the steps a collector takes and reports
each result, for bench testing a NodeMCU and its wiring.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig(cmd)
		resolve, _ := cmd.Flags().GetString("resolve")
		port, _ := cmd.Flags().GetInt("port")

		ctx, cancel := signalContext()
		defer cancel()

		radio, release, err := openRadio(ctx, cmd, cfg)
		if err != nil {
			return err
		}
		defer release()

		if err := radio.Init(ctx); err != nil {
			return fmt.Errorf("init: %w", err)
		}
		fmt.Println("console   ok")

		if err := radio.Connect(ctx, cfg.WiFi.SSID, cfg.WiFi.Passphrase); err != nil {
			return fmt.Errorf("join %q: %w", cfg.WiFi.SSID, err)
		}
		addr, _ := radio.Address()
		fmt.Printf("address   %s\n", addr)

		if resolve == "" {
			return nil
		}
		ip, err := radio.Resolve(ctx, resolve)
		if err != nil {
			return fmt.Errorf("resolve %s: %w", resolve, err)
		}
		fmt.Printf("resolved  %s -> %s\n", resolve, ip)

		if port == 0 {
			return nil
		}
		if err := radio.Open(ctx, nodemcu.TCP, ip, port, 0); err != nil {
			return fmt.Errorf("open %s:%d: %w", ip, port, err)
		}
		defer func() {
			if err := radio.Close(); err != nil {
				log.Printf("[main] close: %v", err)
			}
		}()
		n, err := radio.Readable()
		if err != nil {
			return fmt.Errorf("readable: %w", err)
		}
		fmt.Printf("connected %s:%d, %d bytes waiting\n", ip, port, n)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(probeCmd)
	probeCmd.Flags().String("resolve", "", "Host to resolve through the radio")
	probeCmd.Flags().Int("port", 0, "Open a TCP connection to the resolved host on this port")
}
