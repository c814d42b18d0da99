package display

import (
	"context"
	"fmt"
	"time"

	"bedside-monitor/internal/models"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

// 报警事件状态
const (
	StateRaised    = "raised"
	StateRetracted = "retracted"
)

// AlarmEvent 转发给外部系统的报警事件
type AlarmEvent struct {
	State     string        `json:"state"`
	PatientID int32         `json:"patientId"`
	Alarm     *models.Alarm `json:"alarm,omitempty"`
	Text      string        `json:"text"`
	SentAt    time.Time     `json:"sentAt"`
}

// Notifier 报警事件接收方
type Notifier interface {
	Notify(ctx context.Context, event AlarmEvent) error
}

// WebhookNotifier 以 JSON POST 将报警事件转发到 webhook
type WebhookNotifier struct {
	httpClient *resty.Client
	url        string
	logger     *zap.Logger
}

// NewWebhookNotifier 创建 webhook 转发器
func NewWebhookNotifier(url string, logger *zap.Logger) *WebhookNotifier {
	client := resty.New().
		SetTimeout(10 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json")

	return &WebhookNotifier{
		httpClient: client,
		url:        url,
		logger:     logger,
	}
}

// Notify 实现 Notifier；非 2xx 响应视为失败
func (n *WebhookNotifier) Notify(ctx context.Context, event AlarmEvent) error {
	resp, err := n.httpClient.R().
		SetContext(ctx).
		SetBody(event).
		Post(n.url)
	if err != nil {
		return fmt.Errorf("failed to call alarm webhook: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("alarm webhook returned status %d", resp.StatusCode())
	}

	n.logger.Debug("Alarm forwarded",
		zap.String("state", event.State),
		zap.Int32("patient_id", event.PatientID),
		zap.Int("status_code", resp.StatusCode()),
	)
	return nil
}
