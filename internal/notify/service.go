// Package notify persists notifications and fans them out to external
// targets: email, Discord and Telegram webhooks, an optional MQTT topic,
// and the SSE event bus the web UI listens on. Dispatch failures never
// affect the originating operation's outcome.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/snarg/ecm-engine/internal/database"
)

// Notification types. Invalid types degrade to info.
const (
	TypeInfo    = "info"
	TypeSuccess = "success"
	TypeWarning = "warning"
	TypeError   = "error"
)

// Store is the slice of the local store the service writes notifications to.
type Store interface {
	InsertNotification(ctx context.Context, n *database.Notification) (int64, error)
	UpdateNotification(ctx context.Context, n *database.Notification) error
	DeleteNotificationsBySource(ctx context.Context, source, sourceID string) (int64, error)
}

// Channels selects the external targets for one notification.
type Channels struct {
	Email    bool
	Discord  bool
	Telegram bool
}

// Params describes one notification to create.
type Params struct {
	Type        string
	Title       string
	Message     string
	Source      string
	SourceID    string
	ActionLabel string
	ActionURL   string
	Metadata    any
	SendAlerts  bool
	Channels    Channels
	EmailTo     []string // defaults to the configured operator address list
}

type Service struct {
	store    Store
	senders  *Senders
	bus      *EventBus
	mqtt     *MQTTPublisher // nil when not configured
	log      zerolog.Logger
	timeout  time.Duration
	emailTo  []string
}

func NewService(store Store, senders *Senders, bus *EventBus, mqtt *MQTTPublisher, defaultEmailTo []string, timeout time.Duration, log zerolog.Logger) *Service {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		store:   store,
		senders: senders,
		bus:     bus,
		mqtt:    mqtt,
		log:     log,
		timeout: timeout,
		emailTo: defaultEmailTo,
	}
}

// Bus exposes the SSE event bus for the API layer.
func (s *Service) Bus() *EventBus { return s.bus }

// Create persists a notification, publishes it to the event bus, and (when
// SendAlerts) dispatches to the selected external channels asynchronously,
// each attempt with its own timeout.
func (s *Service) Create(ctx context.Context, p Params) (*database.Notification, error) {
	n := &database.Notification{
		Type:        normalizeType(p.Type),
		Title:       p.Title,
		Message:     p.Message,
		Source:      p.Source,
		SourceID:    p.SourceID,
		ActionLabel: p.ActionLabel,
		ActionURL:   p.ActionURL,
	}
	if p.Metadata != nil {
		if raw, err := json.Marshal(p.Metadata); err == nil {
			n.ExtraData = raw
		}
	}
	if _, err := s.store.InsertNotification(ctx, n); err != nil {
		return nil, err
	}

	s.bus.Publish("notification", n)
	if s.mqtt != nil {
		s.mqtt.Publish("notification", n)
	}

	if p.SendAlerts {
		go s.dispatch(n, p)
	}
	return n, nil
}

// Update rewrites an in-progress notification (e.g. task progress rows).
func (s *Service) Update(ctx context.Context, n *database.Notification) error {
	n.Type = normalizeType(n.Type)
	if err := s.store.UpdateNotification(ctx, n); err != nil {
		return err
	}
	s.bus.Publish("notification_updated", n)
	return nil
}

// DeleteBySource removes notifications a source created, returning the count.
func (s *Service) DeleteBySource(ctx context.Context, source, sourceID string) (int64, error) {
	return s.store.DeleteNotificationsBySource(ctx, source, sourceID)
}

// dispatch fans one notification out to the external targets. Each target
// is a fire-and-forget attempt; failures are logged only.
func (s *Service) dispatch(n *database.Notification, p Params) {
	subject := n.Title
	if subject == "" {
		subject = fmt.Sprintf("[%s] %s", strings.ToUpper(n.Type), n.Source)
	}
	body := n.Message

	if p.Channels.Email {
		to := p.EmailTo
		if len(to) == 0 {
			to = s.emailTo
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.senders.SendEmail(ctx, to, subject, body); err != nil {
			s.log.Warn().Err(err).Int64("notification_id", n.ID).Msg("email alert failed")
		}
		cancel()
	}
	if p.Channels.Discord {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.senders.SendDiscord(ctx, subject+"\n"+body); err != nil {
			s.log.Warn().Err(err).Int64("notification_id", n.ID).Msg("discord alert failed")
		}
		cancel()
	}
	if p.Channels.Telegram {
		ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
		if err := s.senders.SendTelegram(ctx, subject+"\n"+body); err != nil {
			s.log.Warn().Err(err).Int64("notification_id", n.ID).Msg("telegram alert failed")
		}
		cancel()
	}
}

// TaskFinished implements the task engine's alerting hook. Failures to
// alert never change the task's own outcome.
func (s *Service) TaskFinished(ctx context.Context, cfg *database.ScheduledTask, run *database.TaskRun) {
	ntype := TypeInfo
	switch run.Status {
	case "success":
		ntype = TypeSuccess
	case "warning":
		ntype = TypeWarning
	case "error":
		ntype = TypeError
	}
	message := run.Message
	if message == "" {
		message = fmt.Sprintf("task %s finished with status %s", run.TaskID, run.Status)
	}
	_, err := s.Create(ctx, Params{
		Type:       ntype,
		Title:      fmt.Sprintf("Task %s: %s", run.TaskID, run.Status),
		Message:    message,
		Source:     "task",
		SourceID:   run.TaskID,
		Metadata:   run,
		SendAlerts: true,
		Channels: Channels{
			Email:    cfg.SendToEmail,
			Discord:  cfg.SendToDiscord,
			Telegram: cfg.SendToTelegram,
		},
	})
	if err != nil {
		s.log.Warn().Err(err).Str("task_id", run.TaskID).Msg("task alert notification failed")
	}
}

func normalizeType(t string) string {
	switch t {
	case TypeInfo, TypeSuccess, TypeWarning, TypeError:
		return t
	}
	return TypeInfo
}
