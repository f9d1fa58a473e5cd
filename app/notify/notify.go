// Package notify delivers user-facing messages about background uploads: restore summary after a
// recovery pass and abandoned uploads. Transports are go-pkgz/notify webhook and email senders.
package notify

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"html/template"
	"net/url"
	"strings"
	"sync"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/notify"
	"github.com/go-pkgz/repeater"
	"github.com/go-pkgz/repeater/strategy"

	"github.com/brrow/uploadq/app/events"
)

//go:generate moq -out mocks/notifier.go -pkg mocks -skip-ensure -fmt goimports . Notifier

// Notifier is a single transport, picked by destination schema
type Notifier interface {
	Send(ctx context.Context, destination, text string) error
	Schema() string
}

// Repeater retries delivery
type Repeater interface {
	Do(ctx context.Context, fun func() error, errors ...error) (err error)
}

// Params control what and how is sent
type Params struct {
	Subject      string        // email subject, "Uploads" by default
	OnRestore    bool          // send restore summary
	OnAbandoned  bool          // send a message per abandoned upload
	Timeout      time.Duration // per delivery, all retries included
	Repeater     Repeater      // nil means default backoff, 3 attempts
	HostName     string        // shown in html messages
	TemplateHTML string        // optional html template for email body
}

// SendersParams define transports and destinations
type SendersParams struct {
	WebhookURLs []string
	WebhookHdrs []string // "Key:Value"
	ToEmails    []string
	FromEmail   string
	SMTP        notify.SMTPParams
}

// Service sends notifications for queue events
type Service struct {
	Params
	notifiers    []Notifier
	webhooks     []string
	toEmails     []string
	fromEmail    string
	htmlTemplate *template.Template
	wg           sync.WaitGroup
}

// NewService makes notification service. Returns nil if no destinations defined.
func NewService(p Params, sp SendersParams) *Service {
	if len(sp.WebhookURLs) == 0 && len(sp.ToEmails) == 0 {
		return nil
	}
	if p.Subject == "" {
		p.Subject = "Uploads"
	}
	if p.Timeout <= 0 {
		p.Timeout = time.Minute
	}
	if p.Repeater == nil {
		p.Repeater = repeater.New(&strategy.Backoff{Repeats: 3, Duration: time.Second, Factor: 2, Jitter: true})
	}

	res := &Service{Params: p, webhooks: sp.WebhookURLs, toEmails: sp.ToEmails, fromEmail: sp.FromEmail}
	if len(sp.WebhookURLs) > 0 {
		res.notifiers = append(res.notifiers, notify.NewWebhook(notify.WebhookParams{Timeout: p.Timeout, Headers: sp.WebhookHdrs}))
	}
	if len(sp.ToEmails) > 0 {
		smtp := sp.SMTP
		if smtp.ContentType == "" {
			smtp.ContentType = "text/html"
		}
		res.notifiers = append(res.notifiers, notify.NewEmail(smtp))
	}

	res.htmlTemplate = template.Must(template.New("msg").Parse(defaultHTML))
	if p.TemplateHTML != "" {
		tmpl, err := template.New("custom").Parse(p.TemplateHTML)
		if err != nil {
			log.Printf("[WARN] can't parse html template, using default: %v", err)
		} else {
			res.htmlTemplate = tmpl
		}
	}
	return res
}

// RestoreSummary makes restore-complete text, empty if nothing was uploaded
func RestoreSummary(success, failure int) string {
	if success <= 0 {
		return ""
	}
	if failure == 0 {
		return fmt.Sprintf("Successfully uploaded %d pending image(s)", success)
	}
	return fmt.Sprintf("Uploaded %d of %d pending images", success, success+failure)
}

// Message makes text for an event, empty if the event is not reported
func (s *Service) Message(e events.Event) string {
	switch {
	case e.Type == events.RestoreComplete && s.OnRestore:
		return RestoreSummary(e.SuccessCount, e.FailureCount)
	case e.Type == events.JobResumedFailure && e.Abandoned && s.OnAbandoned:
		if e.Reason == "" {
			return fmt.Sprintf("Upload %s abandoned", e.JobID)
		}
		return fmt.Sprintf("Upload %s abandoned: %s", e.JobID, e.Reason)
	}
	return ""
}

// Run consumes events until the channel is closed, then waits for in-flight deliveries.
// Delivery is async, a slow transport never holds the channel.
func (s *Service) Run(ctx context.Context, ch <-chan events.Event) {
	for e := range ch {
		text := s.Message(e)
		if text == "" {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.Timeout)
			defer cancel()
			if err := s.Send(sendCtx, s.Subject, text); err != nil {
				log.Printf("[WARN] can't send notification %q, %v", text, err)
				return
			}
			log.Printf("[INFO] notification sent, %q", text)
		}()
	}
	s.wg.Wait()
}

// Send text to all destinations, each with retries. Errors are joined.
func (s *Service) Send(ctx context.Context, subj, text string) error {
	var errs []error
	for _, dest := range s.destinations(subj) {
		n := s.notifierFor(dest)
		if n == nil {
			errs = append(errs, fmt.Errorf("unsupported destination %s", dest))
			continue
		}
		body := text
		if n.Schema() == "mailto" {
			html, err := s.MakeHTML(subj, text)
			if err != nil {
				log.Printf("[WARN] can't make html message, sending plain text: %v", err)
			} else {
				body = html
			}
		}
		err := s.Repeater.Do(ctx, func() error { return n.Send(ctx, dest, body) })
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MakeHTML renders email body
func (s *Service) MakeHTML(subj, text string) (string, error) {
	data := struct {
		Subject string
		Text    string
		Host    string
		TS      time.Time
	}{Subject: subj, Text: text, Host: s.HostName, TS: time.Now()}

	buf := bytes.Buffer{}
	if err := s.htmlTemplate.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to apply template: %w", err)
	}
	return buf.String(), nil
}

func (s *Service) destinations(subj string) []string {
	res := make([]string, 0, len(s.webhooks)+1)
	res = append(res, s.webhooks...)
	if len(s.toEmails) > 0 {
		q := url.Values{}
		if s.fromEmail != "" {
			q.Set("from", s.fromEmail)
		}
		q.Set("subject", subj)
		res = append(res, "mailto:"+strings.Join(s.toEmails, ",")+"?"+q.Encode())
	}
	return res
}

func (s *Service) notifierFor(dest string) Notifier {
	for _, n := range s.notifiers {
		if strings.HasPrefix(dest, n.Schema()) {
			return n
		}
	}
	return nil
}

const defaultHTML = `<!DOCTYPE html>
<html>
	<head>
		<meta name="viewport" content="width=device-width" />
		<meta http-equiv="Content-Type" content="text/html; charset=UTF-8" />
		<style type="text/css">
			body {
				font-family: "Arial";
				font-size: 1.0em;
			}
			.bold {
				color: #285088;
				font-weight: 900;
			}
		</style>
	</head>
	<body>
		<p>{{.Subject}}{{if .Host}} on <span class="bold">{{.Host}}</span>{{end}} at {{.TS.Format "2006-01-02T15:04:05Z07:00"}}</p>
		<p class="bold">{{.Text}}</p>
	</body>
</html>
`
