// Package mqttpub mirrors the textual event stream onto an MQTT broker so
// dashboards and automations can follow call activity without holding a
// websocket open.
package mqttpub

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
	"github.com/snarg/scannerd/internal/bus"
)

// Options configures the broker connection.
type Options struct {
	BrokerURL   string
	ClientID    string
	TopicPrefix string
	Username    string
	Password    string
}

// Publisher republishes call and control events under
// <prefix>/<event kind>.
type Publisher struct {
	conn      mqtt.Client
	prefix    string
	bus       *bus.Bus
	connected atomic.Bool
	log       zerolog.Logger
}

func Connect(opts Options, b *bus.Bus, log zerolog.Logger) (*Publisher, error) {
	p := &Publisher{
		prefix: opts.TopicPrefix,
		bus:    b,
		log:    log.With().Str("component", "mqtt").Logger(),
	}
	if p.prefix == "" {
		p.prefix = "scannerd/events"
	}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(p.onConnect).
		SetConnectionLostHandler(p.onConnectionLost)

	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
	}
	if opts.Password != "" {
		clientOpts.SetPassword(opts.Password)
	}

	p.conn = mqtt.NewClient(clientOpts)
	token := p.conn.Connect()
	token.Wait()
	if err := token.Error(); err != nil {
		return nil, err
	}

	return p, nil
}

func (p *Publisher) onConnect(mqtt.Client) {
	p.connected.Store(true)
	p.log.Info().Str("prefix", p.prefix).Msg("mqtt connected")
}

func (p *Publisher) onConnectionLost(_ mqtt.Client, err error) {
	p.connected.Store(false)
	p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
}

func (p *Publisher) IsConnected() bool {
	return p.connected.Load()
}

// Run mirrors textual bus events until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	sub := p.bus.Subscribe("mqtt", 256,
		bus.KindCallStart, bus.KindCallEnd, bus.KindNewRecording,
		bus.KindControlChannel, bus.KindRates, bus.KindSystemChanged)
	defer sub.Cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-sub.C:
			p.publish(e)
		}
	}
}

func (p *Publisher) publish(e bus.Event) {
	if !p.connected.Load() {
		return
	}
	var data []byte
	if raw, ok := e.Payload.(json.RawMessage); ok {
		data = raw
	} else {
		var err error
		data, err = json.Marshal(e.Payload)
		if err != nil {
			p.log.Error().Err(err).Str("kind", string(e.Kind)).Msg("marshal event")
			return
		}
	}
	p.conn.Publish(p.prefix+"/"+string(e.Kind), 0, false, data)
}

func (p *Publisher) Close() {
	p.log.Info().Msg("disconnecting mqtt")
	p.conn.Disconnect(1000)
}
