// Package network 按配置选择总线传输，并为各进程创建通信器与读写者
package network

import (
	"context"
	"fmt"
	"strings"

	"bedside-monitor/internal/bus"
	"bedside-monitor/internal/bus/kafkabus"
	"bedside-monitor/internal/bus/localbus"
	"bedside-monitor/internal/bus/mqttbus"
	"bedside-monitor/internal/bus/natsbus"
	"bedside-monitor/internal/bus/redisbus"
	"bedside-monitor/internal/config"

	"go.uber.org/zap"
)

// NewDialer 根据 cfg.Bus.Transport 返回传输拨号函数
// participant profile 配置了 initial_peers（非组播发现）时，以其作为 broker 地址
func NewDialer(cfg *config.Config, logger *zap.Logger) (bus.Dialer, error) {
	switch cfg.Bus.Transport {
	case config.TransportLocal:
		return localbus.NewHub().Dialer(), nil

	case config.TransportRedis:
		return func(ctx context.Context, p bus.Participant) (bus.Transport, error) {
			rc := cfg.Redis
			if peers := p.Profile.InitialPeers; len(peers) > 0 {
				rc.Addr = peers[0]
			}
			client := redisbus.NewRedisClient(&rc)
			if err := redisbus.Ping(ctx, client); err != nil {
				client.Close()
				return nil, err
			}
			logger.Info("Connected to Redis", zap.String("addr", rc.Addr))
			return redisbus.New(client, p, redisbus.Options{StreamMaxLen: rc.StreamMaxLen}, logger), nil
		}, nil

	case config.TransportMQTT:
		return func(_ context.Context, p bus.Participant) (bus.Transport, error) {
			mc := cfg.MQTT
			if peers := p.Profile.InitialPeers; len(peers) > 0 {
				mc.Broker = peers[0]
			}
			mc.ClientID = clientID(mc.ClientID, p)
			client, err := mqttbus.NewClient(&mc, logger)
			if err != nil {
				return nil, err
			}
			logger.Info("Connected to MQTT broker", zap.String("broker", mc.Broker), zap.String("client_id", mc.ClientID))
			return mqttbus.New(client, p, logger), nil
		}, nil

	case config.TransportNATS:
		return func(_ context.Context, p bus.Participant) (bus.Transport, error) {
			nc := cfg.NATS
			if peers := p.Profile.InitialPeers; len(peers) > 0 {
				nc.URL = strings.Join(peers, ",")
			}
			conn, js, err := natsbus.Connect(&nc, clientID(nc.Name, p), logger)
			if err != nil {
				return nil, err
			}
			logger.Info("Connected to NATS", zap.String("url", conn.ConnectedUrl()))
			return natsbus.New(conn, js, p, logger), nil
		}, nil

	case config.TransportKafka:
		return func(_ context.Context, p bus.Participant) (bus.Transport, error) {
			brokers := cfg.Kafka.Brokers
			if peers := p.Profile.InitialPeers; len(peers) > 0 {
				brokers = peers
			}
			if len(brokers) == 0 {
				return nil, fmt.Errorf("no kafka brokers configured")
			}
			return kafkabus.New(brokers, p, logger), nil
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", bus.ErrUnknownTransport, cfg.Bus.Transport)
	}
}

// clientID 每个 participant 使用独立的 broker 客户端 ID
func clientID(prefix string, p bus.Participant) string {
	if prefix == "" {
		prefix = "ice"
	}
	return prefix + "-" + p.GUID
}
