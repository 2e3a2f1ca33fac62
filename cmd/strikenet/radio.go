package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/shaunagostinho/strikenet/internal/config"
	"github.com/shaunagostinho/strikenet/internal/console"
	"github.com/shaunagostinho/strikenet/internal/emulator"
	"github.com/shaunagostinho/strikenet/internal/nodemcu"
)

// openRadio builds the radio on the configured serial port, or on the
// emulator in demo mode. The returned func releases the port.
func openRadio(ctx context.Context, cmd *cobra.Command, cfg *config.Config) (*nodemcu.Radio, func(), error) {
	var port console.Port
	switch cfg.Serial.Type {
	case "demo":
		log.Printf("[main] using emulated radio")
		port = emulator.New(emulator.Config{})
	case "nodemcu", "":
		dialer := console.SerialDialer{PortName: cfg.Serial.PortPath, BaudRate: cfg.Serial.BaudRate}
		err := connectWithRetry(ctx, "serial", func(ctx context.Context) error {
			p, err := dialer.Dial(ctx)
			if err != nil {
				return err
			}
			port = p
			return nil
		}, 10)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("unknown serial type %q", cfg.Serial.Type)
	}

	sc := console.Config{
		Timeout: cfg.Serial.Timeout(),
		MaxLine: cfg.Serial.MaxLine,
		Reset:   console.ResetMode(cfg.Serial.ResetLine),
	}
	if trace, _ := cmd.Flags().GetBool("trace"); trace {
		sc.Echo = os.Stderr
	}
	s, err := console.New(port, sc)
	if err != nil {
		port.Close()
		return nil, nil, err
	}
	radio := nodemcu.New(s, nodemcu.Config{PollTimeout: cfg.Serial.PollTimeout()})
	return radio, func() { s.Close() }, nil
}
