package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"spectre.c2/internal/core/logger"
	"spectre.c2/internal/core/ports"
)

// Publisher mirrors the event bus onto MQTT topics so external dashboards
// and alerting can follow the fleet without speaking the websocket protocol.
// Topics: spectre/events for everything, spectre/beacon/{id} for entries
// attributable to one beacon.
type Publisher struct {
	client mqtt.Client
	bus    ports.EventBus
	prefix string
}

func NewPublisher(bus ports.EventBus, brokerURL string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(fmt.Sprintf("spectre-server-%d", time.Now().UnixNano()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}

	logger.Info("connected to MQTT broker", "broker", brokerURL)
	return &Publisher{
		client: client,
		bus:    bus,
		prefix: "spectre",
	}, nil
}

// Start consumes the event bus until ctx is cancelled.
func (p *Publisher) Start(ctx context.Context) {
	go p.consume(ctx)
}

func (p *Publisher) consume(ctx context.Context) {
	ch, err := p.bus.Subscribe(ctx)
	if err != nil {
		logger.Error("mqtt mirror subscribe failed", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			p.client.Publish(fmt.Sprintf("%s/events", p.prefix), 0, false, data)
			if beaconID := beaconIDOf(event); beaconID != "" {
				p.client.Publish(fmt.Sprintf("%s/beacon/%s", p.prefix, beaconID), 0, false, data)
			}
		}
	}
}

// beaconIDOf pulls the beacon attribution out of an event payload. Payloads
// arriving over redis are generic JSON maps; local payloads are structs, so
// both shapes go through a JSON round trip.
func beaconIDOf(event ports.Event) string {
	if m, ok := event.Payload.(map[string]interface{}); ok {
		if id, ok := m["beacon_id"].(string); ok {
			return id
		}
		return ""
	}
	data, err := json.Marshal(event.Payload)
	if err != nil {
		return ""
	}
	var probe struct {
		BeaconID string `json:"beacon_id"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}
	return probe.BeaconID
}

// Close disconnects from the broker, letting in-flight publishes finish.
func (p *Publisher) Close() {
	p.client.Disconnect(250)
}
