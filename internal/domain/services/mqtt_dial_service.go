package services

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"sangzi-care-service/internal/domain/escalation"
	"sangzi-care-service/internal/infrastructure/config"
	"sangzi-care-service/pkg/logger"
)

// InterfaceMQTTDialService 通过MQTT让老人的设备拨打电话
type InterfaceMQTTDialService interface {
	Connect() error
	ConnectInBackground()
	Disconnect()
	IsConnected() bool
	SubscribeToTopics() error
	PlaceCall(ctx context.Context, deviceID, number string) bool
	Dialer(deviceOf func() string) escalation.CallInvoker
	PublishEscalationState(deviceID string, snapshot escalation.Snapshot) error
}

// mqttClient 用到的 mqtt.Client 子集
type mqttClient interface {
	IsConnected() bool
	Connect() mqtt.Token
	Disconnect(quiesce uint)
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
}

// 消息结构体定义
type (
	// DialRequest 下发给设备的拨号指令
	DialRequest struct {
		RequestID string `json:"request_id"`
		Number    string `json:"number"`
		Timestamp int64  `json:"timestamp"`
	}

	// DialAck 设备回执，success 表示已调起系统拨号
	DialAck struct {
		RequestID string `json:"request_id"`
		Success   bool   `json:"success"`
		Reason    string `json:"reason,omitempty"`
	}

	// EscalationStateMessage 推送给设备界面的状态
	EscalationStateMessage struct {
		State     escalation.State `json:"state"`
		Countdown int              `json:"countdown"`
		SessionID string           `json:"session_id,omitempty"`
		Timestamp int64            `json:"timestamp"`
	}
)

const (
	maxConnectRetries    = 5
	maxReconnectInterval = 30 * time.Second
)

// MQTTDialService 设备拨号服务
type MQTTDialService struct {
	Config         *config.Config
	Client         mqttClient
	isConnected    bool
	connectedMutex sync.RWMutex // 保护isConnected字段的读写
	PublishMutex   sync.Mutex   // 用于保护MQTT消息发布
	pending        sync.Map     // request_id -> chan DialAck
	ackTimeout     time.Duration
	sleep          func(time.Duration)

	// 后台重连，首次连接失败时由 ConnectInBackground 启动
	retryInterval time.Duration
	retryMutex    sync.Mutex
	retryStop     chan struct{}
	retryDone     chan struct{}
}

// NewMQTTDialService 创建MQTT拨号服务，尚未连接
func NewMQTTDialService(cfg *config.Config) InterfaceMQTTDialService {
	s := newMQTTDialService(cfg, nil)
	s.Client = mqtt.NewClient(s.clientOptions())
	return s
}

func newMQTTDialService(cfg *config.Config, client mqttClient) *MQTTDialService {
	ackTimeout := cfg.MQTTDialAckTimeout
	if ackTimeout <= 0 {
		ackTimeout = 10 * time.Second
	}
	return &MQTTDialService{
		Config:        cfg,
		Client:        client,
		ackTimeout:    ackTimeout,
		sleep:         time.Sleep,
		retryInterval: time.Second,
	}
}

// clientOptions 设置MQTT客户端
func (s *MQTTDialService) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(s.Config.MQTTBrokerURL)
	// 使用唯一的客户端ID，避免同一服务多实例冲突
	opts.SetClientID(fmt.Sprintf("%s-%s", s.Config.MQTTClientID, uuid.New().String()[:8]))
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(maxReconnectInterval)
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetCleanSession(true)
	opts.SetOrderMatters(false)

	opts.SetDefaultPublishHandler(func(client mqtt.Client, msg mqtt.Message) {
		logger.Info("[MQTT] 收到未处理的消息: topic=%s", msg.Topic())
	})

	if s.Config.MQTTUsername != "" {
		opts.SetUsername(s.Config.MQTTUsername)
		opts.SetPassword(s.Config.MQTTPassword)
	}

	if strings.HasPrefix(s.Config.MQTTBrokerURL, "ssl://") || strings.HasPrefix(s.Config.MQTTBrokerURL, "tls://") || s.Config.MQTTSSLEnabled {
		logger.Info("[MQTT] 使用TLS连接")
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}

	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		logger.Warning("[MQTT] 连接丢失: %v", err)
		s.setConnected(false)
	})

	// 重连后需要重新订阅
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		logger.Info("[MQTT] 成功连接到 %s", s.Config.MQTTBrokerURL)
		s.setConnected(true)
		if err := s.SubscribeToTopics(); err != nil {
			logger.Error("[MQTT] 订阅主题失败: %v", err)
		}
	})

	opts.SetReconnectingHandler(func(client mqtt.Client, opts *mqtt.ClientOptions) {
		logger.Info("[MQTT] 正在尝试重连...")
	})

	return opts
}

// 1 Connect 连接到MQTT服务器，指数退避重试
func (s *MQTTDialService) Connect() error {
	if s.IsConnected() {
		return nil
	}

	logger.Info("[MQTT] 正在连接到 %s...", s.Config.MQTTBrokerURL)
	var err error
	for i := 0; i < maxConnectRetries; i++ {
		token := s.Client.Connect()
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			s.setConnected(true)
			return nil
		}

		err = token.Error()
		if err == nil {
			err = errors.New("连接超时")
		}
		backoffTime := time.Duration(1<<uint(i)) * time.Second // 指数退避: 1s, 2s, 4s, 8s, 16s
		logger.Warning("[MQTT] 连接尝试 %d/%d 失败: %v, 将在 %v 后重试", i+1, maxConnectRetries, err, backoffTime)
		s.sleep(backoffTime)
	}

	return fmt.Errorf("[MQTT] 连接失败，已尝试 %d 次: %w", maxConnectRetries, err)
}

// 2 ConnectInBackground 在后台持续重试连接，直到连上或 Disconnect。
// 客户端的自动重连只在首次连接成功后生效，服务启动时代理不可用要靠这里补上。
func (s *MQTTDialService) ConnectInBackground() {
	s.retryMutex.Lock()
	defer s.retryMutex.Unlock()
	if s.retryStop != nil {
		return
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.retryStop, s.retryDone = stop, done

	go func() {
		defer close(done)
		s.reconnectLoop(stop)
	}()
}

func (s *MQTTDialService) reconnectLoop(stop <-chan struct{}) {
	interval := s.retryInterval
	for attempt := 1; ; attempt++ {
		timer := time.NewTimer(interval)
		select {
		case <-stop:
			timer.Stop()
			return
		case <-timer.C:
		}

		if s.IsConnected() {
			return
		}
		token := s.Client.Connect()
		if token.WaitTimeout(5*time.Second) && token.Error() == nil {
			s.setConnected(true)
			logger.Info("[MQTT] 后台重连成功，共尝试 %d 次", attempt)
			return
		}

		err := token.Error()
		if err == nil {
			err = errors.New("连接超时")
		}
		interval *= 2
		if interval > maxReconnectInterval {
			interval = maxReconnectInterval
		}
		logger.Warning("[MQTT] 后台重连第 %d 次失败: %v, 将在 %v 后重试", attempt, err, interval)
	}
}

// 3 Disconnect 停止后台重连并断开与MQTT服务器的连接
func (s *MQTTDialService) Disconnect() {
	s.retryMutex.Lock()
	stop, done := s.retryStop, s.retryDone
	s.retryStop, s.retryDone = nil, nil
	s.retryMutex.Unlock()
	if stop != nil {
		close(stop)
		<-done
	}

	if s.Client != nil && s.Client.IsConnected() {
		s.Client.Disconnect(250)
	}
	s.setConnected(false)
}

// 4 IsConnected 当前是否可以发布消息
func (s *MQTTDialService) IsConnected() bool {
	s.connectedMutex.RLock()
	defer s.connectedMutex.RUnlock()
	return s.isConnected && s.Client != nil && s.Client.IsConnected()
}

// 5 SubscribeToTopics 订阅所有设备的拨号回执
func (s *MQTTDialService) SubscribeToTopics() error {
	topic := s.topic("+", "dial/ack")
	if token := s.Client.Subscribe(topic, s.qos(), s.handleDialAck); token.Wait() && token.Error() != nil {
		return fmt.Errorf("订阅主题失败 [%s]: %w", topic, token.Error())
	}
	logger.Info("[MQTT] 已订阅主题: %s", topic)
	return nil
}

// 6 PlaceCall 让设备拨打 number，等待设备回执。任何失败都返回 false。
func (s *MQTTDialService) PlaceCall(ctx context.Context, deviceID, number string) bool {
	if deviceID == "" {
		logger.Warning("[MQTT] 用户未绑定设备，无法拨打 %s", number)
		return false
	}

	requestID := uuid.New().String()
	ackCh := make(chan DialAck, 1)
	s.pending.Store(requestID, ackCh)
	defer s.pending.Delete(requestID)

	req := DialRequest{
		RequestID: requestID,
		Number:    number,
		Timestamp: time.Now().UnixMilli(),
	}
	if err := s.publishMessage(s.topic(deviceID, "dial"), req, false); err != nil {
		logger.Error("[MQTT] 下发拨号指令失败: device=%s, number=%s, err=%v", deviceID, number, err)
		return false
	}

	timer := time.NewTimer(s.ackTimeout)
	defer timer.Stop()

	select {
	case ack := <-ackCh:
		if !ack.Success {
			logger.Warning("[MQTT] 设备拨号失败: device=%s, number=%s, reason=%s", deviceID, number, ack.Reason)
		}
		return ack.Success
	case <-timer.C:
		logger.Warning("[MQTT] 等待拨号回执超时: device=%s, request=%s", deviceID, requestID)
		return false
	case <-ctx.Done():
		logger.Warning("[MQTT] 拨号被中止: device=%s, request=%s, err=%v", deviceID, requestID, ctx.Err())
		return false
	}
}

// 7 Dialer 包装成状态机使用的拨号能力，每次拨号时通过 deviceOf 查询设备，换绑设备后立即生效
func (s *MQTTDialService) Dialer(deviceOf func() string) escalation.CallInvoker {
	return escalation.CallInvokerFunc(func(ctx context.Context, number string) bool {
		return s.PlaceCall(ctx, deviceOf(), number)
	})
}

// 8 PublishEscalationState 推送紧急呼叫状态给设备界面，保留消息保证设备重连后能拿到最新状态
func (s *MQTTDialService) PublishEscalationState(deviceID string, snapshot escalation.Snapshot) error {
	if deviceID == "" {
		return nil
	}
	msg := EscalationStateMessage{
		State:     snapshot.State,
		Countdown: snapshot.Countdown,
		SessionID: snapshot.SessionID,
		Timestamp: snapshot.UpdatedAt.UnixMilli(),
	}
	return s.publishMessage(s.topic(deviceID, "emergency/state"), msg, true)
}

// handleDialAck 处理设备拨号回执
func (s *MQTTDialService) handleDialAck(_ mqtt.Client, msg mqtt.Message) {
	// 使用defer和recover防止处理程序panic导致整个服务崩溃
	defer func() {
		if r := recover(); r != nil {
			logger.Error("[MQTT] 处理拨号回执发生panic: %v", r)
		}
	}()

	var ack DialAck
	if err := json.Unmarshal(msg.Payload(), &ack); err != nil {
		logger.Warning("[MQTT] 解析拨号回执失败: topic=%s, err=%v", msg.Topic(), err)
		return
	}

	// 已处理或已超时的请求直接丢弃，重复回执不会被处理两次
	value, ok := s.pending.LoadAndDelete(ack.RequestID)
	if !ok {
		logger.Info("[MQTT] 忽略未知或重复的拨号回执: request=%s", ack.RequestID)
		return
	}
	select {
	case value.(chan DialAck) <- ack:
	default:
	}
}

func (s *MQTTDialService) publishMessage(topic string, payload interface{}, retained bool) error {
	if !s.IsConnected() {
		return errors.New("MQTT客户端未连接")
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}

	s.PublishMutex.Lock()
	token := s.Client.Publish(topic, s.qos(), retained, jsonData)
	s.PublishMutex.Unlock()

	// 设置超时时间，避免无限等待
	if !token.WaitTimeout(3 * time.Second) {
		return errors.New("发布消息超时")
	}
	if token.Error() != nil {
		return fmt.Errorf("发布消息失败: %w", token.Error())
	}
	return nil
}

// topic 生成 <prefix>/device/<deviceID>/<suffix>
func (s *MQTTDialService) topic(deviceID, suffix string) string {
	return fmt.Sprintf("%s/device/%s/%s", s.Config.MQTTTopicPrefix, deviceID, suffix)
}

func (s *MQTTDialService) qos() byte {
	if s.Config.MQTTQoS < 0 || s.Config.MQTTQoS > 2 {
		return 1
	}
	return byte(s.Config.MQTTQoS)
}

func (s *MQTTDialService) setConnected(connected bool) {
	s.connectedMutex.Lock()
	s.isConnected = connected
	s.connectedMutex.Unlock()
}
