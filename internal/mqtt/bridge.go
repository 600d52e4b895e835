//go:build !no_mqtt

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"zstack-go-home/internal/backup"
	"zstack-go-home/internal/coordinator"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker      string
	Username    string
	Password    string
	TopicPrefix string
}

// Coordinator is the part of the coordinator the bridge uses.
type Coordinator interface {
	Events() *coordinator.EventBus
	NetworkInfo() map[string]interface{}
	CreateBackup(ctx context.Context) (*backup.Backup, error)
}

// backupTimeout bounds a backup requested over MQTT.
const backupTimeout = 2 * time.Minute

// Bridge publishes coordinator events to MQTT and serves backup requests.
type Bridge struct {
	client pahomqtt.Client
	coord  Coordinator
	prefix string
	logger *slog.Logger
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(coord Coordinator, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(coord, cfg, logger)

	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID("zstack-go-home").
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.topic("bridge/state"), "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.onConnect()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	// The connect handler may fire before Connect returns.
	b.client = pahomqtt.NewClient(opts)
	token := b.client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(coord Coordinator, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		coord:  coord,
		prefix: cfg.TopicPrefix,
		logger: logger.With("component", "mqtt"),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (b *Bridge) topic(name string) string {
	return b.prefix + "/" + name
}

// Start subscribes to coordinator events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.coord.Events().OnAll(b.handleEvent)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

func (b *Bridge) onConnect() {
	b.publishBridgeState("online")
	info := b.coord.NetworkInfo()
	b.publish(b.topic("bridge/info"), mustJSON(info), true)
	for _, msg := range buildDiscovery(info, b.prefix) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.client.Subscribe(b.topic("bridge/request/backup"), 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		go b.handleBackupRequest(msg.Payload())
	})
}

// handleEvent runs on the emitting goroutine, which may hold the
// coordinator lock, so it must not call back into the coordinator.
func (b *Bridge) handleEvent(event coordinator.Event) {
	b.publish(b.topic("bridge/event"), mustJSON(event), false)
	switch event.Type {
	case coordinator.EventNetworkState:
		b.publish(b.topic("bridge/network"), mustJSON(event.Data), true)
	case coordinator.EventBackupCreated, coordinator.EventBackupRestored:
		b.publish(b.topic("bridge/backup"), mustJSON(event.Data), true)
	}
}

type backupRequest struct {
	Transaction string `json:"transaction,omitempty"`
}

type backupResponse struct {
	Status      string                  `json:"status"`
	Data        *backup.UnifiedDocument `json:"data,omitempty"`
	Error       string                  `json:"error,omitempty"`
	Transaction string                  `json:"transaction,omitempty"`
}

func (b *Bridge) handleBackupRequest(payload []byte) {
	var req backupRequest
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			b.logger.Warn("invalid backup request JSON", "err", err)
		}
	}

	ctx, cancel := context.WithTimeout(b.ctx, backupTimeout)
	defer cancel()

	rsp := backupResponse{Status: "ok", Transaction: req.Transaction}
	bk, err := b.coord.CreateBackup(ctx)
	if err != nil {
		b.logger.Warn("backup request failed", "err", err)
		rsp.Status = "error"
		rsp.Error = err.Error()
	} else {
		rsp.Data = backup.ToUnified(bk)
	}
	b.publish(b.topic("bridge/response/backup"), mustJSON(rsp), false)
}

func (b *Bridge) publishBridgeState(state string) {
	b.publish(b.topic("bridge/state"), []byte(state), true)
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
