package report

import (
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/config"
	"github.com/claudio-ayma/caf-auditor-urgencias-produccion/internal/encounter"
)

// Failure records one encounter that ended the run in failed state.
type Failure struct {
	Identity  encounter.Identity `json:"identity"`
	LastError string             `json:"last_error"`
}

// Summary is the outcome of one orchestrator run.
type Summary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Completed  int       `json:"completed"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Failures   []Failure `json:"failures,omitempty"`
}

// Notifier delivers run summaries by email.
type Notifier struct {
	cfg  config.EmailConfig
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewNotifier builds an SMTP notifier from config.
func NewNotifier(cfg config.EmailConfig) *Notifier {
	return &Notifier{cfg: cfg, send: smtp.SendMail}
}

// Notify sends the run summary to the configured recipients.
func (n *Notifier) Notify(s *Summary) error {
	if len(n.cfg.To) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	subject := fmt.Sprintf("Auditoría de urgencias %s: %d completadas, %d fallidas, %d omitidas",
		s.FinishedAt.Format("2006-01-02"), s.Completed, s.Failed, s.Skipped)

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\r\n", n.cfg.From)
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(n.cfg.To, ", "))
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	msg.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n")

	fmt.Fprintf(&msg, "Corrida: %s\r\n", s.RunID)
	fmt.Fprintf(&msg, "Inicio:  %s\r\n", s.StartedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&msg, "Fin:     %s\r\n\r\n", s.FinishedAt.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&msg, "Completadas: %d\r\nFallidas:    %d\r\nOmitidas:    %d\r\n", s.Completed, s.Failed, s.Skipped)

	if len(s.Failures) > 0 {
		msg.WriteString("\r\nEncuentros fallidos:\r\n")
		for _, f := range s.Failures {
			fmt.Fprintf(&msg, "  - %s: %s\r\n", f.Identity.String(), f.LastError)
		}
	}

	addr := fmt.Sprintf("%s:%d", n.cfg.SMTPHost, n.cfg.SMTPPort)
	var auth smtp.Auth
	if n.cfg.Username != "" {
		auth = smtp.PlainAuth("", n.cfg.Username, n.cfg.Password, n.cfg.SMTPHost)
	}
	if err := n.send(addr, auth, n.cfg.From, n.cfg.To, []byte(msg.String())); err != nil {
		return fmt.Errorf("failed to send summary email: %w", err)
	}
	return nil
}
