package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/grafana/xoauth2-probe/internal/oauth"
	"github.com/grafana/xoauth2-probe/internal/smtpprobe"
	"github.com/grafana/xoauth2-probe/internal/traceutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/grafana/xoauth2-probe"

// prober runs one token acquisition followed by one SMTP session.
type prober struct {
	cfg        *config
	logger     *slog.Logger
	metrics    *probeMetrics
	httpClient *http.Client
	tracer     trace.Tracer
}

func newProber(cfg *config, logger *slog.Logger, metrics *probeMetrics) *prober {
	return &prober{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "probe")),
		metrics:    metrics,
		httpClient: &http.Client{Timeout: cfg.httpTimeout},
		tracer:     otel.Tracer(tracerName),
	}
}

// run sends the probe and reports success only after the server accepted
// the message.
func (p *prober) run(ctx context.Context) (*smtpprobe.Receipt, error) {
	ctx, span := p.tracer.Start(ctx, "probe",
		trace.WithAttributes(traceutil.GrantType(p.cfg.grantType.String())))
	defer span.End()

	receipt, err := p.probe(ctx)

	p.metrics.observeResult(receipt, time.Now())

	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(traceutil.ProbeID(receipt.ProbeID))

	return receipt, nil
}

func (p *prober) probe(ctx context.Context) (*smtpprobe.Receipt, error) {
	tok, err := p.acquireToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire token: %w", err)
	}

	sender, err := p.sender(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("resolve sender: %w", err)
	}

	recipient := smtpprobe.Participant{Address: p.cfg.recipientEmail, Name: p.cfg.recipientName}

	receipt, err := p.send(ctx, tok, sender, recipient)
	if err != nil {
		return nil, fmt.Errorf("send probe: %w", err)
	}

	return receipt, nil
}

func (p *prober) acquireToken(ctx context.Context) (*oauth.AccessToken, error) {
	ctx, span := p.tracer.Start(ctx, "oauth.acquire_token")
	defer span.End()

	start := time.Now()

	strategy, err := oauth.NewStrategy(p.cfg.grantType, p.strategyOptions()...)
	if err != nil {
		return nil, err
	}

	p.logger.InfoContext(ctx, "acquiring access token", slog.String("grant_type", strategy.GrantType().String()))

	tok, err := strategy.AcquireToken(ctx, p.cfg.credentials())
	p.metrics.observePhase(phaseToken, start, err)
	if err != nil {
		recordError(span, err)
		return nil, err
	}

	p.logger.Log(ctx, levelTrace, "access token acquired", slog.Any("token", tok))

	return tok, nil
}

func (p *prober) strategyOptions() []oauth.Option {
	opts := []oauth.Option{
		oauth.WithHTTPClient(p.httpClient),
		oauth.WithLogger(p.logger),
		oauth.WithRedirectAddr(p.cfg.redirectAddr),
		oauth.WithRedirectTimeout(p.cfg.redirectTimeout),
		oauth.WithPollObserver(p.metrics.observePoll),
	}

	if p.cfg.prompter != nil {
		opts = append(opts, oauth.WithPrompter(p.cfg.prompter))
	}

	return opts
}

// sender returns the configured sender, or the signed-in mailbox when no
// sender address was given.
func (p *prober) sender(ctx context.Context, tok *oauth.AccessToken) (smtpprobe.Participant, error) {
	if p.cfg.senderEmail != "" {
		return smtpprobe.Participant{Address: p.cfg.senderEmail, Name: p.cfg.senderName}, nil
	}

	ctx, span := p.tracer.Start(ctx, "oauth.fetch_profile")
	defer span.End()

	start := time.Now()

	profile, err := oauth.FetchProfile(ctx, p.httpClient, p.cfg.endpoints.ProfileURL, tok)
	p.metrics.observePhase(phaseProfile, start, err)
	if err != nil {
		recordError(span, err)
		return smtpprobe.Participant{}, err
	}

	name := p.cfg.senderName
	if name == "" {
		name = profile.DisplayName
	}

	p.logger.InfoContext(ctx, "sending as the signed-in mailbox",
		slog.String("sender", profile.EmailAddress), slog.String("name", name))

	return smtpprobe.Participant{Address: profile.EmailAddress, Name: name}, nil
}

func (p *prober) send(ctx context.Context, tok *oauth.AccessToken, sender, recipient smtpprobe.Participant) (*smtpprobe.Receipt, error) {
	ctx, span := p.tracer.Start(ctx, "smtp.send_probe", trace.WithAttributes(
		traceutil.Sender(sender.Address),
		traceutil.Recipient(recipient.Address),
	))
	defer span.End()

	start := time.Now()

	session, err := smtpprobe.NewSession(smtpprobe.Config{
		Addr:        p.cfg.smtpHost,
		HeloName:    p.cfg.heloName,
		Timeout:     p.cfg.smtpTimeout,
		DataTimeout: p.cfg.smtpDataTimeout,
		TLSConfig:   p.cfg.tlsConfig,
		Subject:     p.cfg.subject,
		Logger:      p.logger,
	})
	if err != nil {
		return nil, err
	}

	receipt, err := session.SendProbe(ctx, tok.Value, sender, recipient)
	p.metrics.observePhase(phaseSMTP, start, err)

	span.SetAttributes(traceutil.SMTPState(session.State().String()))

	if err != nil {
		recordError(span, err)
		return nil, err
	}

	span.SetAttributes(traceutil.ProbeID(receipt.ProbeID))

	return receipt, nil
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	kind, _ := errorLabels(err)
	span.SetAttributes(traceutil.ErrorKind(kind))

	var se *smtpprobe.Error
	if errors.As(err, &se) && se.Code != 0 {
		span.SetAttributes(traceutil.StatusCode(se.Code))
	}
}
