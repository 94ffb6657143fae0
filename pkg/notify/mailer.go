package notify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/wneessen/go-mail"
	"golang.org/x/time/rate"
)

// Mailer delivers a rendered email.
type Mailer interface {
	Send(ctx context.Context, email Email) error
}

// SMTPConfig configures SMTPMailer.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	// Timeout bounds each delivery. Defaults to 30s.
	Timeout time.Duration
	// Now stamps the Date header. Defaults to time.Now.
	Now func() time.Time
}

// SMTPMailer sends plain-text mail through an SMTP relay.
type SMTPMailer struct {
	from    string
	timeout time.Duration
	now     func() time.Time
	send    func(ctx context.Context, msgs ...*mail.Msg) error
}

// NewSMTPMailer validates cfg and returns a mailer for it.
func NewSMTPMailer(cfg SMTPConfig) (*SMTPMailer, error) {
	host := strings.TrimSpace(cfg.Host)
	if host == "" {
		return nil, errors.New("smtp host required")
	}
	from := strings.TrimSpace(cfg.From)
	if from == "" {
		return nil, errors.New("smtp from address required")
	}
	port := cfg.Port
	if port <= 0 {
		port = 587
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	opts := []mail.Option{
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
		mail.WithPort(port),
		mail.WithTimeout(timeout),
		mail.WithDialContextFunc(dialWithDeadline),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	client, err := mail.NewClient(host, opts...)
	if err != nil {
		return nil, fmt.Errorf("init smtp client: %w", err)
	}
	return &SMTPMailer{
		from:    from,
		timeout: timeout,
		now:     now,
		send:    client.DialAndSendWithContext,
	}, nil
}

// Send delivers email, giving up when ctx is done or the timeout passes.
func (m *SMTPMailer) Send(ctx context.Context, email Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg, err := m.message(email)
	if err != nil {
		return err
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := m.send(sendCtx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

func (m *SMTPMailer) message(email Email) (*mail.Msg, error) {
	to := strings.TrimSpace(email.To)
	if to == "" || strings.ContainsAny(to, "\r\n") {
		return nil, fmt.Errorf("invalid recipient %q", email.To)
	}
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", m.from, err)
	}
	if err := msg.To(to); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", email.To, err)
	}
	msg.Subject(strings.NewReplacer("\r", " ", "\n", " ").Replace(email.Subject))
	msg.SetDateWithValue(m.now().UTC())
	msg.SetBodyString(mail.TypeTextPlain, email.Body)
	return msg, nil
}

// dialWithDeadline dials the relay and gives the connection the dial
// context's deadline, which bounds the whole SMTP conversation.
func dialWithDeadline(ctx context.Context, network, address string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			conn.Close()
			return nil, err
		}
	}
	return conn, nil
}

// PacedMailer limits how fast the wrapped mailer is called.
type PacedMailer struct {
	next    Mailer
	limiter *rate.Limiter
}

// NewPacedMailer allows perSecond sends per second with the given burst.
// perSecond <= 0 disables pacing.
func NewPacedMailer(next Mailer, perSecond float64, burst int) *PacedMailer {
	limit := rate.Inf
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	if burst <= 0 {
		burst = 1
	}
	return &PacedMailer{next: next, limiter: rate.NewLimiter(limit, burst)}
}

// Send waits for a token, then delegates.
func (p *PacedMailer) Send(ctx context.Context, email Email) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("mail pacing: %w", err)
	}
	return p.next.Send(ctx, email)
}
