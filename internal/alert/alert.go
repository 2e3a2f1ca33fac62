// Package alert forwards strikes to an MQTT broker, the receiver's secondary
// alert link for phones and sirens.
package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/shaunagostinho/strikenet/internal/strike"
)

// ErrTimeout is returned when the broker does not acknowledge in time.
var ErrTimeout = errors.New("alert: broker did not answer in time")

const waitTimeout = 5 * time.Second

// Config holds the broker settings.
type Config struct {
	Broker   string
	ClientID string
	Username string
	Password string
	Topic    string
	QoS      int
	// MaxKM suppresses alerts for strikes further away. Zero alerts on all.
	MaxKM int
	// WarnKM and DangerKM grade the alert level.
	WarnKM   int
	DangerKM int
}

// Level grades a strike by distance.
type Level string

const (
	LevelInfo   Level = "info"
	LevelWarn   Level = "warn"
	LevelDanger Level = "danger"
)

// Message is the JSON payload published for each strike.
type Message struct {
	DetectorID uint8     `json:"detectorId"`
	DistanceKM uint8     `json:"distanceKm"`
	OutOfRange bool      `json:"outOfRange"`
	Level      Level     `json:"level"`
	Received   time.Time `json:"received"`
}

// Publisher publishes strike alerts.
type Publisher struct {
	client mqtt.Client
	cfg    Config
}

// New returns a Publisher for cfg.Broker. Call Connect before publishing.
func New(cfg Config) *Publisher {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(cfg.Broker)
	opts.SetClientID(cfg.ClientID)
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("[alert] connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(mqtt.Client) {
		log.Printf("[alert] connected to %s", cfg.Broker)
	})
	return NewFromClient(mqtt.NewClient(opts), cfg)
}

// NewFromClient wraps an existing client.
func NewFromClient(client mqtt.Client, cfg Config) *Publisher {
	if cfg.Topic == "" {
		cfg.Topic = "strikenet/alerts"
	}
	return &Publisher{client: client, cfg: cfg}
}

// Connect connects to the broker.
func (p *Publisher) Connect(ctx context.Context) error {
	return p.wait(ctx, p.client.Connect())
}

// Close disconnects, giving in-flight messages a quarter second.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}

// Level grades r against the configured thresholds.
func (p *Publisher) Level(r strike.Record) Level {
	switch {
	case r.OutOfRange():
		return LevelInfo
	case int(r.DistanceKM) <= p.cfg.DangerKM:
		return LevelDanger
	case int(r.DistanceKM) <= p.cfg.WarnKM:
		return LevelWarn
	}
	return LevelInfo
}

// Wants reports whether e passes the distance filter.
func (p *Publisher) Wants(e strike.Event) bool {
	if p.cfg.MaxKM <= 0 {
		return true
	}
	return !e.OutOfRange() && int(e.DistanceKM) <= p.cfg.MaxKM
}

// Publish sends an alert for e to <topic>/<detector id>. Events outside the
// distance filter are skipped.
func (p *Publisher) Publish(ctx context.Context, e strike.Event) error {
	if !p.Wants(e) {
		return nil
	}
	payload, err := json.Marshal(Message{
		DetectorID: e.DetectorID,
		DistanceKM: e.DistanceKM,
		OutOfRange: e.OutOfRange(),
		Level:      p.Level(e.Record),
		Received:   e.Received,
	})
	if err != nil {
		return fmt.Errorf("alert: marshal: %w", err)
	}
	topic := p.cfg.Topic + "/" + strconv.Itoa(int(e.DetectorID))
	if err := p.wait(ctx, p.client.Publish(topic, byte(p.cfg.QoS), false, payload)); err != nil {
		return fmt.Errorf("alert: publish %s: %w", topic, err)
	}
	return nil
}

func (p *Publisher) wait(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return ErrTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
