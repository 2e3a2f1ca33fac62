// Package collector is the sensor node: it keeps a NodeMCU radio joined and
// connected to the receiver and forwards every strike the detector reports.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/shaunagostinho/strikenet/internal/nodemcu"
	"github.com/shaunagostinho/strikenet/internal/strike"
)

// Radio is the part of nodemcu.Radio the collector drives.
type Radio interface {
	Init(ctx context.Context) error
	Connect(ctx context.Context, ssid, passphrase string) error
	Address() (string, bool)
	Resolve(ctx context.Context, host string) (string, error)
	Open(ctx context.Context, kind nodemcu.Kind, host string, port, id int) error
	Established() (bool, error)
	Send(p []byte) error
	Close() error
}

// Config holds collector settings.
type Config struct {
	SSID       string
	Passphrase string
	Host       string
	Port       int
	Kind       nodemcu.Kind
	// RetryDelay is the pause between failed join or open attempts.
	RetryDelay time.Duration
}

// Collector forwards strikes from one source over one radio.
type Collector struct {
	radio Radio
	src   strike.Source
	cfg   Config

	// pending is a record whose send failed; it goes out first after the
	// link is rebuilt.
	pending []byte
}

// New returns a Collector. It owns neither radio nor src.
func New(radio Radio, src strike.Source, cfg Config) *Collector {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.Kind == "" {
		cfg.Kind = nodemcu.TCP
	}
	return &Collector{radio: radio, src: src, cfg: cfg}
}

// Run brings the link up and forwards strikes until ctx ends or the source
// fails. A broken link is torn down and rebuilt from a radio reset.
func (c *Collector) Run(ctx context.Context) error {
	log.Printf("[collector] source %q, receiver %s:%d/%s", c.src.Name(), c.cfg.Host, c.cfg.Port, c.cfg.Kind)
	for {
		if err := c.establish(ctx); err != nil {
			return err
		}
		err := c.forward(ctx)
		if ctx.Err() != nil {
			c.radio.Close()
			return ctx.Err()
		}
		var srcErr sourceError
		if errors.As(err, &srcErr) {
			c.radio.Close()
			return srcErr.err
		}
		reconnectsTotal.Inc()
		log.Printf("[collector] link lost: %v, reconnecting", err)
		if err := c.radio.Close(); err != nil {
			log.Printf("[collector] close: %v", err)
		}
		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return err
		}
	}
}

// establish resets the radio, joins the network and opens the receiver
// connection. Only a context error ends it.
func (c *Collector) establish(ctx context.Context) error {
	for {
		if err := c.join(ctx); err != nil {
			return err
		}
		err := c.open(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[collector] radio lost while opening: %v, starting over", err)
	}
}

func (c *Collector) join(ctx context.Context) error {
	for {
		err := c.radio.Init(ctx)
		if err == nil {
			err = c.radio.Connect(ctx, c.cfg.SSID, c.cfg.Passphrase)
		}
		if err == nil {
			addr, _ := c.radio.Address()
			log.Printf("[collector] joined %q as %s", c.cfg.SSID, addr)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("[collector] join failed: %v, retrying in %v", err, c.cfg.RetryDelay)
		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return err
		}
	}
}

// open retries network-level refusals. Anything else means the console or
// the radio needs a reset and is returned.
func (c *Collector) open(ctx context.Context) error {
	for {
		addr, err := c.radio.Resolve(ctx, c.cfg.Host)
		if err == nil {
			err = c.radio.Open(ctx, c.cfg.Kind, addr, c.cfg.Port, 0)
		}
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !retryable(err) {
			return err
		}
		log.Printf("[collector] open %s:%d failed: %v, retrying in %v", c.cfg.Host, c.cfg.Port, err, c.cfg.RetryDelay)
		if err := sleep(ctx, c.cfg.RetryDelay); err != nil {
			return err
		}
	}
}

func retryable(err error) bool {
	for _, target := range []error{
		nodemcu.ErrResolve,
		nodemcu.ErrRefused,
		nodemcu.ErrConnectTimeout,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

type sourceError struct{ err error }

func (e sourceError) Error() string { return e.err.Error() }

// forward sends records until one cannot be delivered.
func (c *Collector) forward(ctx context.Context) error {
	for {
		if c.pending == nil {
			rec, err := c.src.Next(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return sourceError{fmt.Errorf("collector: source %s: %w", c.src.Name(), err)}
			}
			if c.pending, err = rec.MarshalBinary(); err != nil {
				return sourceError{err}
			}
			log.Printf("[collector] %s", rec)
		}

		// Send gives no delivery feedback, so a hung-up receiver only shows in
		// the connection flag.
		up, err := c.radio.Established()
		if err != nil {
			return err
		}
		if !up {
			return errors.New("collector: receiver hung up")
		}
		if err := c.radio.Send(c.pending); err != nil {
			return err
		}
		recordsSent.Inc()
		c.pending = nil
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
