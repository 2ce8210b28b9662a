package notify

import (
	"encoding/json"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// MQTTPublisher publishes notification events to an MQTT topic so
// home-automation integrations can react to channel-manager events.
type MQTTPublisher struct {
	conn      mqtt.Client
	topic     string
	connected atomic.Bool
	log       zerolog.Logger
}

type MQTTOptions struct {
	BrokerURL string
	ClientID  string
	Topic     string
	Username  string
	Password  string
	Log       zerolog.Logger
}

func ConnectMQTT(opts MQTTOptions) (*MQTTPublisher, error) {
	p := &MQTTPublisher{topic: opts.Topic, log: opts.Log}

	clientOpts := mqtt.NewClientOptions().
		AddBroker(opts.BrokerURL).
		SetClientID(opts.ClientID).
		SetAutoReconnect(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetOnConnectHandler(func(mqtt.Client) {
			p.connected.Store(true)
			p.log.Info().Str("topic", p.topic).Msg("mqtt connected")
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			p.connected.Store(false)
			p.log.Warn().Err(err).Msg("mqtt connection lost, will auto-reconnect")
		})

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

// Publish sends one event payload, fire-and-forget.
func (p *MQTTPublisher) Publish(eventType string, payload any) {
	body, err := json.Marshal(map[string]any{
		"type":    eventType,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"payload": payload,
	})
	if err != nil {
		return
	}
	token := p.conn.Publish(p.topic, 0, false, body)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			p.log.Warn().Err(err).Msg("mqtt publish failed")
		}
	}()
}

func (p *MQTTPublisher) Connected() bool {
	return p.connected.Load()
}

func (p *MQTTPublisher) Close() {
	p.conn.Disconnect(250)
}
