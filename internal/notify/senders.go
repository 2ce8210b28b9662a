package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
	"github.com/wneessen/go-mail"
)

// Senders holds the configured external alert targets. Unconfigured targets
// return errors so callers can log and move on.
type Senders struct {
	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string

	DiscordWebhookURL string

	TelegramBotToken string
	TelegramChatID   string

	HTTP *http.Client
	Log  zerolog.Logger
}

func (s *Senders) SendEmail(ctx context.Context, recipients []string, subject, body string) error {
	if s.SMTPHost == "" {
		return fmt.Errorf("smtp not configured")
	}
	if len(recipients) == 0 {
		return fmt.Errorf("no recipients")
	}

	msg := mail.NewMsg()
	if err := msg.From(s.SMTPFrom); err != nil {
		return fmt.Errorf("from address: %w", err)
	}
	if err := msg.To(recipients...); err != nil {
		return fmt.Errorf("recipients: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	opts := []mail.Option{
		mail.WithPort(s.SMTPPort),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if s.SMTPUsername != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(s.SMTPUsername),
			mail.WithPassword(s.SMTPPassword),
		)
	}
	client, err := mail.NewClient(s.SMTPHost, opts...)
	if err != nil {
		return err
	}
	return client.DialAndSendWithContext(ctx, msg)
}

// SendDiscord posts to the configured webhook. Discord caps content at
// 2000 characters; longer digests are truncated.
func (s *Senders) SendDiscord(ctx context.Context, content string) error {
	if s.DiscordWebhookURL == "" {
		return fmt.Errorf("discord webhook not configured")
	}
	if len(content) > 1990 {
		content = content[:1990] + "…"
	}
	return s.postJSON(ctx, s.DiscordWebhookURL, map[string]string{"content": content})
}

func (s *Senders) SendTelegram(ctx context.Context, content string) error {
	if s.TelegramBotToken == "" || s.TelegramChatID == "" {
		return fmt.Errorf("telegram not configured")
	}
	endpoint := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", url.PathEscape(s.TelegramBotToken))
	if len(content) > 4000 {
		content = content[:4000] + "…"
	}
	return s.postJSON(ctx, endpoint, map[string]string{
		"chat_id": s.TelegramChatID,
		"text":    content,
	})
}

func (s *Senders) postJSON(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := s.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, detail)
	}
	return nil
}
