package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sangzi-care-service/internal/domain/escalation"
)

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	done := make(chan struct{})
	close(done)
	return &fakeToken{err: err, done: done}
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type publishedMessage struct {
	topic    string
	retained bool
	payload  []byte
}

type fakeMQTTClient struct {
	mu         sync.Mutex
	connected  bool
	connectErr error
	// failConnects 前几次连接返回失败
	failConnects int
	connects     int
	published    []publishedMessage
	handlers     map[string]mqtt.MessageHandler
	onPublish    func(topic string, payload []byte)
}

func newFakeMQTTClient() *fakeMQTTClient {
	return &fakeMQTTClient{connected: true, handlers: make(map[string]mqtt.MessageHandler)}
}

func (c *fakeMQTTClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeMQTTClient) Connect() mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.connectErr != nil {
		return newFakeToken(c.connectErr)
	}
	if c.failConnects > 0 {
		c.failConnects--
		return newFakeToken(errors.New("broker unavailable"))
	}
	c.connected = true
	return newFakeToken(nil)
}

func (c *fakeMQTTClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeMQTTClient) Publish(topic string, _ byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	data := payload.([]byte)
	c.published = append(c.published, publishedMessage{topic: topic, retained: retained, payload: data})
	hook := c.onPublish
	c.mu.Unlock()
	if hook != nil {
		hook(topic, data)
	}
	return newFakeToken(nil)
}

func (c *fakeMQTTClient) Subscribe(topic string, _ byte, callback mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()
	return newFakeToken(nil)
}

func (c *fakeMQTTClient) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeMQTTClient) Published() []publishedMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]publishedMessage(nil), c.published...)
}

func (c *fakeMQTTClient) deliver(topic string, payload interface{}) {
	data, _ := json.Marshal(payload)
	c.mu.Lock()
	handler := c.handlers["sangzi/device/+/dial/ack"]
	c.mu.Unlock()
	handler(nil, &fakeMessage{topic: topic, payload: data})
}

// ackWith 设备收到拨号指令后异步回执
func (c *fakeMQTTClient) ackWith(success bool, reason string) {
	c.onPublish = func(topic string, payload []byte) {
		var req DialRequest
		if err := json.Unmarshal(payload, &req); err != nil || req.RequestID == "" {
			return
		}
		go c.deliver("sangzi/device/watch-1/dial/ack", DialAck{RequestID: req.RequestID, Success: success, Reason: reason})
	}
}

func newConnectedDialService(t *testing.T, client *fakeMQTTClient) *MQTTDialService {
	t.Helper()
	cfg := newTestConfig()
	cfg.MQTTDialAckTimeout = 200 * time.Millisecond
	svc := newMQTTDialService(cfg, client)
	svc.sleep = func(time.Duration) {}
	require.NoError(t, svc.Connect())
	require.NoError(t, svc.SubscribeToTopics())
	return svc
}

func TestMQTTDialServicePlaceCall(t *testing.T) {
	t.Run("should return true when device acks success", func(t *testing.T) {
		client := newFakeMQTTClient()
		client.ackWith(true, "")
		svc := newConnectedDialService(t, client)

		assert.True(t, svc.PlaceCall(context.Background(), "watch-1", "110"))

		published := client.Published()
		require.Len(t, published, 1)
		assert.Equal(t, "sangzi/device/watch-1/dial", published[0].topic)
		assert.False(t, published[0].retained)

		var req DialRequest
		require.NoError(t, json.Unmarshal(published[0].payload, &req))
		assert.Equal(t, "110", req.Number)
		assert.NotEmpty(t, req.RequestID)
	})

	t.Run("should return false when device reports failure", func(t *testing.T) {
		client := newFakeMQTTClient()
		client.ackWith(false, "no_permission")
		svc := newConnectedDialService(t, client)

		assert.False(t, svc.PlaceCall(context.Background(), "watch-1", "13800000001"))
	})

	t.Run("should time out without ack", func(t *testing.T) {
		svc := newConnectedDialService(t, newFakeMQTTClient())

		start := time.Now()
		assert.False(t, svc.PlaceCall(context.Background(), "watch-1", "110"))
		assert.GreaterOrEqual(t, time.Since(start), 200*time.Millisecond)
	})

	t.Run("should stop waiting when context is done", func(t *testing.T) {
		svc := newConnectedDialService(t, newFakeMQTTClient())
		svc.ackTimeout = time.Minute

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		assert.False(t, svc.PlaceCall(ctx, "watch-1", "110"))
	})

	t.Run("should fail without device", func(t *testing.T) {
		client := newFakeMQTTClient()
		svc := newConnectedDialService(t, client)

		assert.False(t, svc.PlaceCall(context.Background(), "", "110"))
		assert.Empty(t, client.Published())
	})

	t.Run("should fail when disconnected", func(t *testing.T) {
		client := newFakeMQTTClient()
		svc := newConnectedDialService(t, client)
		svc.Disconnect()

		assert.False(t, svc.IsConnected())
		assert.False(t, svc.PlaceCall(context.Background(), "watch-1", "110"))
		assert.Empty(t, client.Published())
	})

	t.Run("should go through dialer adapter", func(t *testing.T) {
		client := newFakeMQTTClient()
		client.ackWith(true, "")
		svc := newConnectedDialService(t, client)

		device := "watch-1"
		var invoker escalation.CallInvoker = svc.Dialer(func() string { return device })
		assert.True(t, invoker.PlaceCall(context.Background(), "110"))
		assert.Equal(t, "sangzi/device/watch-1/dial", client.Published()[0].topic)

		// 换绑设备后下一次拨号使用新设备
		device = "watch-2"
		assert.True(t, invoker.PlaceCall(context.Background(), "110"))
		assert.Equal(t, "sangzi/device/watch-2/dial", client.Published()[1].topic)
	})
}

func TestMQTTDialServiceAck(t *testing.T) {
	client := newFakeMQTTClient()
	svc := newConnectedDialService(t, client)

	t.Run("should ignore unknown and malformed acks", func(t *testing.T) {
		assert.NotPanics(t, func() {
			client.deliver("sangzi/device/watch-1/dial/ack", DialAck{RequestID: "unknown", Success: true})
			client.mu.Lock()
			handler := client.handlers["sangzi/device/+/dial/ack"]
			client.mu.Unlock()
			handler(nil, &fakeMessage{topic: "sangzi/device/watch-1/dial/ack", payload: []byte("{")})
		})
	})

	t.Run("should deliver only the first of duplicate acks", func(t *testing.T) {
		ch := make(chan DialAck, 1)
		svc.pending.Store("req-1", ch)

		client.deliver("sangzi/device/watch-1/dial/ack", DialAck{RequestID: "req-1", Success: true})
		client.deliver("sangzi/device/watch-1/dial/ack", DialAck{RequestID: "req-1", Success: false})

		ack := <-ch
		assert.True(t, ack.Success)
		assert.Len(t, ch, 0)
		_, ok := svc.pending.Load("req-1")
		assert.False(t, ok)
	})
}

func TestMQTTDialServiceConnect(t *testing.T) {
	t.Run("should back off between attempts", func(t *testing.T) {
		client := newFakeMQTTClient()
		client.connected = false
		client.connectErr = errors.New("refused")

		svc := newMQTTDialService(newTestConfig(), client)
		var sleeps []time.Duration
		svc.sleep = func(d time.Duration) { sleeps = append(sleeps, d) }

		err := svc.Connect()
		require.Error(t, err)
		assert.Equal(t, maxConnectRetries, client.connects)
		assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second}, sleeps)
		assert.False(t, svc.IsConnected())
	})

	t.Run("should connect once broker accepts", func(t *testing.T) {
		client := newFakeMQTTClient()
		client.connected = false
		svc := newMQTTDialService(newTestConfig(), client)
		svc.sleep = func(time.Duration) { t.Fatal("unexpected backoff") }

		require.NoError(t, svc.Connect())
		assert.True(t, svc.IsConnected())
		assert.Equal(t, 1, client.connects)

		require.NoError(t, svc.Connect())
		assert.Equal(t, 1, client.connects)
	})
}

func TestMQTTDialServiceConnectInBackground(t *testing.T) {
	t.Run("should keep retrying until broker comes up", func(t *testing.T) {
		client := newFakeMQTTClient()
		client.connected = false
		client.failConnects = maxConnectRetries + 2

		svc := newMQTTDialService(newTestConfig(), client)
		svc.sleep = func(time.Duration) {}
		svc.retryInterval = time.Millisecond
		t.Cleanup(svc.Disconnect)

		require.Error(t, svc.Connect())
		assert.False(t, svc.IsConnected())

		svc.ConnectInBackground()
		svc.ConnectInBackground()
		require.Eventually(t, svc.IsConnected, 2*time.Second, 5*time.Millisecond)
		assert.Equal(t, maxConnectRetries+3, client.Connects())
	})

	t.Run("should stop retrying on disconnect", func(t *testing.T) {
		client := newFakeMQTTClient()
		client.connected = false
		client.connectErr = errors.New("refused")

		svc := newMQTTDialService(newTestConfig(), client)
		svc.retryInterval = time.Millisecond

		svc.ConnectInBackground()
		require.Eventually(t, func() bool { return client.Connects() >= 2 }, 2*time.Second, time.Millisecond)
		svc.Disconnect()

		stopped := client.Connects()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, stopped, client.Connects())
		assert.False(t, svc.IsConnected())
	})
}

func TestMQTTDialServicePublishEscalationState(t *testing.T) {
	client := newFakeMQTTClient()
	svc := newConnectedDialService(t, client)
	updatedAt := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, svc.PublishEscalationState("watch-1", escalation.Snapshot{
		State:     escalation.StateConfirming,
		Countdown: 3,
		SessionID: "session-1",
		UpdatedAt: updatedAt,
	}))
	require.NoError(t, svc.PublishEscalationState("", escalation.Snapshot{}))

	published := client.Published()
	require.Len(t, published, 1)
	assert.Equal(t, "sangzi/device/watch-1/emergency/state", published[0].topic)
	assert.True(t, published[0].retained)

	var msg EscalationStateMessage
	require.NoError(t, json.Unmarshal(published[0].payload, &msg))
	assert.Equal(t, escalation.StateConfirming, msg.State)
	assert.Equal(t, 3, msg.Countdown)
	assert.Equal(t, updatedAt.UnixMilli(), msg.Timestamp)
}
