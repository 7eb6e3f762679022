// Package notify delivers best-effort alerts to an owner's trust
// network. Delivery is fire-and-forget: failures are logged and counted
// but never surfaced to the caller whose action triggered them.
package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aegisapp/aegis/internal/metrics"
	"github.com/aegisapp/aegis/internal/models"
)

// Notifier informs a trust network of a state transition.
type Notifier interface {
	IncidentStarted(ctx context.Context, incident *models.Incident, contacts []models.TrustedContact) error
	DeletionRequested(ctx context.Context, req *models.DeletionRequest, contacts []models.TrustedContact) error
}

// SMTPNotifier mails every trusted contact.
type SMTPNotifier struct {
	host     string
	port     string
	user     string
	password string
	from     string
	baseURL  string
}

// NewSMTPNotifier creates an SMTP-backed notifier. baseURL is the
// public address of the service, used to build links in messages.
func NewSMTPNotifier(host, port, user, password, from, baseURL string) *SMTPNotifier {
	return &SMTPNotifier{host: host, port: port, user: user, password: password, from: from, baseURL: baseURL}
}

// IncidentStarted alerts the trust network that recording has begun.
func (n *SMTPNotifier) IncidentStarted(ctx context.Context, incident *models.Incident, contacts []models.TrustedContact) error {
	subject := "SOS: Emergency Recording Started"
	body := fmt.Sprintf(
		"An emergency recording has been activated.\r\n"+
			"Incident: %s\r\n"+
			"Tracking has begun. Video is securing to the cloud.\r\n"+
			"Watch live: %s/playback/%s/index.m3u8\r\n",
		incident.ID, n.baseURL, incident.ID)
	if incident.Latitude != nil && incident.Longitude != nil {
		body += fmt.Sprintf("Location: https://www.google.com/maps?q=%f,%f\r\n",
			*incident.Latitude, *incident.Longitude)
	}
	return n.send(contacts, subject, body)
}

// DeletionRequested asks the trust network to vote. A contact who
// suspects coercion is told to vote KEEP.
func (n *SMTPNotifier) DeletionRequested(ctx context.Context, req *models.DeletionRequest, contacts []models.TrustedContact) error {
	subject := "VOTE REQUIRED: Safety Check"
	body := fmt.Sprintf(
		"A deletion of an evidence recording has been requested.\r\n"+
			"Reason given: %q\r\n"+
			"Request: %s\r\n"+
			"If you suspect coercion, vote KEEP.\r\n",
		req.Reason, req.ID)
	return n.send(contacts, subject, body)
}

func (n *SMTPNotifier) send(contacts []models.TrustedContact, subject, body string) error {
	if len(contacts) == 0 {
		return nil
	}

	recipients := make([]string, 0, len(contacts))
	for _, c := range contacts {
		if c.Email != "" {
			recipients = append(recipients, c.Email)
		}
	}
	if len(recipients) == 0 {
		return nil
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: %s\r\n\r\n%s",
		n.from, strings.Join(recipients, ", "), subject, body)

	var auth smtp.Auth
	if n.user != "" {
		auth = smtp.PlainAuth("", n.user, n.password, n.host)
	}
	addr := fmt.Sprintf("%s:%s", n.host, n.port)
	return smtp.SendMail(addr, auth, n.from, recipients, []byte(msg))
}

// dispatchTimeout bounds one async delivery attempt.
const dispatchTimeout = 15 * time.Second

// Dispatcher spawns notification deliveries after the triggering
// transaction has committed, each on its own goroutine with isolated
// failure handling.
type Dispatcher struct {
	notifier Notifier
}

// NewDispatcher wraps a notifier for async dispatch.
func NewDispatcher(notifier Notifier) *Dispatcher {
	return &Dispatcher{notifier: notifier}
}

// Go runs one delivery asynchronously. The parent context is not
// propagated: the request that triggered the alert may complete before
// delivery does.
func (d *Dispatcher) Go(event string, fn func(ctx context.Context, n Notifier) error) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
		defer cancel()
		if err := fn(ctx, d.notifier); err != nil {
			metrics.NotifyFailures.Inc()
			log.Error().Err(err).Str("event", event).Msg("notification delivery failed")
		}
	}()
}
