// Package alert notifies operators when a pipeline stalls. A stalled pipeline
// stops advancing until someone intervenes, so every stall is reported once
// through each configured channel.
package alert

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/sendgrid/sendgrid-go"
	"github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/sirupsen/logrus"
	"github.com/slack-go/slack"

	"github.com/withObsrvr/checkpoint-indexer/pkg/watermark"
)

// Alert describes one pipeline that stopped advancing.
type Alert struct {
	ServiceID string
	Pipeline  string
	Watermark uint64
	HasWM     bool
	Reason    string
	At        time.Time
}

// An Alert without a Pipeline reports the whole indexer stopping on a fatal
// error.
func (a Alert) Subject() string {
	if a.Pipeline == "" {
		return fmt.Sprintf("[%s] indexer stopped", a.ServiceID)
	}
	return fmt.Sprintf("[%s] pipeline %s stalled", a.ServiceID, a.Pipeline)
}

func (a Alert) Text() string {
	if a.Pipeline == "" {
		return fmt.Sprintf("Indexer %s stopped at %s.\nReason: %s",
			a.ServiceID, a.At.UTC().Format(time.RFC3339), a.Reason)
	}
	wm := "none"
	if a.HasWM {
		wm = fmt.Sprintf("%d", a.Watermark)
	}
	return fmt.Sprintf("Pipeline %s of %s stalled at %s.\nLast committed checkpoint: %s\nReason: %s",
		a.Pipeline, a.ServiceID, a.At.UTC().Format(time.RFC3339), wm, a.Reason)
}

type Notifier interface {
	Notify(ctx context.Context, a Alert) error
}

// Dispatcher fans an alert out to every notifier. A failing channel does not
// keep the others from being tried.
type Dispatcher struct {
	notifiers []Notifier
}

func NewDispatcher(notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers}
}

func (d *Dispatcher) Len() int { return len(d.notifiers) }

func (d *Dispatcher) Notify(ctx context.Context, a Alert) error {
	var result *multierror.Error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, a); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

type SlackConfig struct {
	// WebhookURL posts through an incoming webhook. Token and Channels post
	// through the Web API instead.
	WebhookURL string
	Token      string
	Channels   []string
	// APIURL overrides the Web API base URL.
	APIURL string
}

type Slack struct {
	cfg    SlackConfig
	client *slack.Client
	http   *http.Client
}

func NewSlack(cfg SlackConfig) (*Slack, error) {
	if cfg.WebhookURL == "" && cfg.Token == "" {
		return nil, errors.New("slack alerts need a webhook url or a token")
	}
	if cfg.Token != "" && len(cfg.Channels) == 0 {
		return nil, errors.New("slack token given without channels")
	}
	s := &Slack{cfg: cfg, http: &http.Client{Timeout: 10 * time.Second}}
	if cfg.Token != "" {
		var opts []slack.Option
		if cfg.APIURL != "" {
			opts = append(opts, slack.OptionAPIURL(cfg.APIURL))
		}
		opts = append(opts, slack.OptionHTTPClient(s.http))
		s.client = slack.New(cfg.Token, opts...)
	}
	return s, nil
}

func (s *Slack) Notify(ctx context.Context, a Alert) error {
	text := "*" + a.Subject() + "*\n" + a.Text()
	if s.cfg.WebhookURL != "" {
		err := slack.PostWebhookCustomHTTPContext(ctx, s.cfg.WebhookURL, s.http, &slack.WebhookMessage{Text: text})
		if err != nil {
			return errors.Wrap(err, "posting slack webhook")
		}
	}
	for _, channel := range s.cfg.Channels {
		if s.client == nil {
			break
		}
		if _, _, err := s.client.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false)); err != nil {
			return errors.Wrapf(err, "posting slack message to %s", channel)
		}
	}
	return nil
}

type EmailConfig struct {
	APIKey string
	From   string
	To     []string
}

// sendFunc returns the provider's HTTP status.
type sendFunc func(ctx context.Context, m *mail.SGMailV3) (int, error)

type Email struct {
	cfg  EmailConfig
	send sendFunc
}

func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.APIKey == "" || cfg.From == "" || len(cfg.To) == 0 {
		return nil, errors.New("email alerts need an api key, a sender and recipients")
	}
	client := sendgrid.NewSendClient(cfg.APIKey)
	return &Email{
		cfg: cfg,
		send: func(ctx context.Context, m *mail.SGMailV3) (int, error) {
			resp, err := client.SendWithContext(ctx, m)
			if err != nil {
				return 0, err
			}
			return resp.StatusCode, nil
		},
	}, nil
}

func (e *Email) Notify(ctx context.Context, a Alert) error {
	from := mail.NewEmail("Checkpoint Indexer", e.cfg.From)
	for _, to := range e.cfg.To {
		msg := mail.NewSingleEmail(from, a.Subject(), mail.NewEmail("", to), a.Text(), "<pre>"+a.Text()+"</pre>")
		code, err := e.send(ctx, msg)
		if err != nil {
			return errors.Wrapf(err, "sending alert email to %s", to)
		}
		if code >= 300 {
			return errors.Errorf("sending alert email to %s: status %d", to, code)
		}
	}
	return nil
}

// sendTimeout bounds one delivery. Deliveries do not inherit cancellation:
// the alerts that matter most are raised while the service shuts down.
const sendTimeout = 30 * time.Second

func send(ctx context.Context, n Notifier, a Alert) error {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()
	return n.Notify(ctx, a)
}

// NotifyFatal reports that the indexer stopped because of err.
func NotifyFatal(ctx context.Context, n Notifier, serviceID string, err error) error {
	return send(ctx, n, Alert{
		ServiceID: serviceID,
		Reason:    err.Error(),
		At:        time.Now(),
	})
}

// Watch reports each pipeline the first time it is seen stalled. When ctx is
// done it reports stalls it has not seen yet, then returns.
func Watch(ctx context.Context, coord *watermark.Coordinator, serviceID string, n Notifier, log *logrus.Entry) error {
	log = log.WithField("component", "alert")
	reported := make(map[string]bool)
	sweep := func() {
		for _, st := range coord.Snapshot() {
			if !st.Stalled || reported[st.Pipeline] {
				continue
			}
			reported[st.Pipeline] = true
			a := Alert{
				ServiceID: serviceID,
				Pipeline:  st.Pipeline,
				Watermark: st.Watermark,
				HasWM:     st.HasWatermark,
				Reason:    st.StallReason,
				At:        time.Now(),
			}
			if err := send(ctx, n, a); err != nil {
				log.WithError(err).WithField("pipeline", st.Pipeline).Error("failed to send stall alert")
				continue
			}
			log.WithField("pipeline", st.Pipeline).Info("stall alert sent")
		}
	}

	for {
		changed := coord.Changed()
		sweep()

		select {
		case <-ctx.Done():
			sweep()
			return nil
		case <-changed:
		}
	}
}
