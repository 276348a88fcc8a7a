package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net"
	"net/smtp"
	"strings"

	"github.com/ariefcatur/go-storefront-checkout/internal/logx"
	"github.com/ariefcatur/go-storefront-checkout/internal/orders"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const placedTemplate = `<h1>Thanks for your order!</h1>
<p>Your order <strong>{{.Order.ID}}</strong> has been received and is {{.Order.Status}}.</p>
<table>
<tr><th>Item</th><th>Qty</th><th>Price</th></tr>
{{range .Order.Lines}}<tr><td>{{.Name}}{{if .Variant}} ({{.Variant}}){{end}}</td><td>{{.Quantity}}</td><td>{{money .AmountCents}}</td></tr>
{{end}}</table>
<p>Subtotal: {{money .Order.Totals.SubtotalCents}}<br>
Shipping: {{money .Order.Totals.ShippingCents}}<br>
Tax: {{money .Order.Totals.TaxCents}}<br>
<strong>Total: {{money .Order.Totals.TotalCents}}</strong></p>
<p>Payment: {{.Order.PaymentMethod}} ({{.Order.PaymentStatus}})</p>
<p>{{.Store}}</p>
`

const cancelledTemplate = `<h1>Your order was cancelled</h1>
<p>Order <strong>{{.OrderID}}</strong> has been cancelled.</p>
{{if .Reason}}<p>Reason: {{.Reason}}</p>{{end}}
<p>{{.Store}}</p>
`

// Renderer builds the HTML bodies of order e-mails.
type Renderer struct {
	store     string
	placed    *template.Template
	cancelled *template.Template
}

func NewRenderer(storeName string) *Renderer {
	funcs := template.FuncMap{"money": Money}
	return &Renderer{
		store:     storeName,
		placed:    template.Must(template.New("placed").Funcs(funcs).Parse(placedTemplate)),
		cancelled: template.Must(template.New("cancelled").Funcs(funcs).Parse(cancelledTemplate)),
	}
}

func (r *Renderer) OrderPlaced(o orders.Order) (subject, body string, err error) {
	var buf bytes.Buffer
	if err := r.placed.Execute(&buf, struct {
		Order orders.Order
		Store string
	}{o, r.store}); err != nil {
		return "", "", fmt.Errorf("render order placed: %w", err)
	}
	return fmt.Sprintf("%s: order %s confirmed", r.store, o.ID), buf.String(), nil
}

func (r *Renderer) OrderCancelled(p orders.OrderCancelledPayload) (subject, body string, err error) {
	var buf bytes.Buffer
	if err := r.cancelled.Execute(&buf, struct {
		orders.OrderCancelledPayload
		Store string
	}{p, r.store}); err != nil {
		return "", "", fmt.Errorf("render order cancelled: %w", err)
	}
	return fmt.Sprintf("%s: order %s cancelled", r.store, p.OrderID), buf.String(), nil
}

// Money formats minor units with two decimals.
func Money(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}

type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

type Sender interface {
	Send(ctx context.Context, to, subject, htmlBody string) error
}

type SMTPSender struct {
	cfg    SMTPConfig
	logger *zap.Logger
	tracer trace.Tracer
	send   func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPSender(cfg SMTPConfig, logger *zap.Logger) *SMTPSender {
	if cfg.From == "" {
		cfg.From = cfg.User
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SMTPSender{cfg: cfg, logger: logger, tracer: otel.Tracer("notify/smtp"), send: smtp.SendMail}
}

func (s *SMTPSender) Enabled() bool { return s.cfg.Host != "" }

// Send delivers one HTML message. Without a configured host it only logs.
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string) error {
	ctx, span := s.tracer.Start(ctx, "smtp.Send")
	defer span.End()
	span.SetAttributes(attribute.String("to.email", to))

	if !s.Enabled() {
		logx.Debug(ctx, s.logger, "smtp not configured, e-mail skipped", zap.String("to", to), zap.String("subject", subject))
		return nil
	}

	var auth smtp.Auth
	if s.cfg.User != "" {
		auth = smtp.PlainAuth("", s.cfg.User, s.cfg.Password, s.cfg.Host)
	}
	addr := net.JoinHostPort(s.cfg.Host, s.cfg.Port)
	if err := s.send(addr, auth, s.cfg.From, []string{to}, buildMessage(s.cfg.From, to, subject, htmlBody)); err != nil {
		span.RecordError(err)
		logx.Error(ctx, s.logger, "send e-mail", zap.String("to", to), zap.Error(err))
		return fmt.Errorf("send mail: %w", err)
	}
	logx.Info(ctx, s.logger, "e-mail sent", zap.String("to", to), zap.String("subject", subject))
	return nil
}

func buildMessage(from, to, subject, htmlBody string) []byte {
	var b strings.Builder
	b.WriteString("From: " + from + "\r\n")
	b.WriteString("To: " + to + "\r\n")
	b.WriteString("Subject: " + subject + "\r\n")
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=\"UTF-8\"\r\n\r\n")
	b.WriteString(htmlBody)
	return []byte(b.String())
}
