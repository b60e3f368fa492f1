package notify

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"net/smtp"
	"time"

	"github.com/emersion/go-message/mail"

	"electionportal/internal/config"
)

type Sender interface {
	SendRegistrationDecision(ctx context.Context, toEmail, decision, reason string) error
	SendBackupCodeAlert(ctx context.Context, toEmail string, remaining int) error
}

type LogSender struct{}

func (LogSender) SendRegistrationDecision(ctx context.Context, toEmail, decision, reason string) error {
	_ = ctx
	log.Printf("registration decision notice to=%s decision=%s reason=%q", toEmail, decision, reason)
	return nil
}

func (LogSender) SendBackupCodeAlert(ctx context.Context, toEmail string, remaining int) error {
	_ = ctx
	log.Printf("backup code alert to=%s remaining=%d", toEmail, remaining)
	return nil
}

type SMTPSender struct {
	host string
	port int
	from string
}

func NewSender(cfg config.Config) Sender {
	switch cfg.NotifySender {
	case "smtp":
		return SMTPSender{host: cfg.SMTPHost, port: cfg.SMTPPort, from: cfg.NotifyFrom}
	default:
		return LogSender{}
	}
}

func (s SMTPSender) SendRegistrationDecision(ctx context.Context, toEmail, decision, reason string) error {
	subject := "Your voter registration was " + decision
	body := "Hello,\r\n\r\nYour student election portal registration has been " + decision + "."
	if reason != "" {
		body += "\r\nReason: " + reason
	}
	body += "\r\n\r\n- Election Committee\r\n"
	return s.send(ctx, toEmail, subject, body)
}

func (s SMTPSender) SendBackupCodeAlert(ctx context.Context, toEmail string, remaining int) error {
	subject := "Two-factor backup code used"
	body := fmt.Sprintf(
		"Hello,\r\n\r\nA backup code was just used on your account. %d unused codes remain.\r\nIf this was not you, disable and re-enable two-factor authentication immediately.\r\n\r\n- Election Committee\r\n",
		remaining,
	)
	return s.send(ctx, toEmail, subject, body)
}

func (s SMTPSender) send(ctx context.Context, toEmail, subject, body string) error {
	_ = ctx
	var buf bytes.Buffer
	var h mail.Header
	h.SetDate(time.Now().UTC())
	h.SetAddressList("From", []*mail.Address{{Address: s.from}})
	h.SetAddressList("To", []*mail.Address{{Address: toEmail}})
	h.SetSubject(subject)

	mw, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return fmt.Errorf("compose notice: %w", err)
	}
	if _, err := io.WriteString(mw, body); err != nil {
		mw.Close()
		return fmt.Errorf("compose notice body: %w", err)
	}
	if err := mw.Close(); err != nil {
		return fmt.Errorf("finish notice: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	return smtp.SendMail(addr, nil, s.from, []string{toEmail}, buf.Bytes())
}
