package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cadencehq/cadence/internal/mail"
)

// ProtectedSender wraps a mail.Sender with a CircuitBreaker. When the
// transport (SES, SMTP relay) starts failing, the circuit opens and
// sends fail fast instead of piling up on a dead backend. An open
// circuit counts as a transient transport failure for the delivery.
type ProtectedSender struct {
	sender  mail.Sender
	breaker *CircuitBreaker
	logger  *zap.Logger
}

// NewProtectedSender wraps a sender with circuit breaker protection.
func NewProtectedSender(sender mail.Sender, breaker *CircuitBreaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{
		sender:  sender,
		breaker: breaker,
		logger:  logger,
	}
}

// Send attempts a send through the circuit breaker. If the circuit is
// open, returns ErrCircuitOpen immediately without touching the
// transport.
func (p *ProtectedSender) Send(ctx context.Context, msg *mail.Message) error {
	if !p.breaker.Allow() {
		p.logger.Warn("circuit breaker rejected send",
			zap.String("breaker", p.breaker.config.Name),
			zap.String("to", msg.To),
			zap.String("state", p.breaker.GetState().String()),
		)
		return fmt.Errorf("%w: %s transport unavailable", ErrCircuitOpen, p.breaker.config.Name)
	}

	err := p.sender.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return err
	}

	p.breaker.RecordSuccess()
	return nil
}

// Breaker returns the underlying circuit breaker for stats reporting.
func (p *ProtectedSender) Breaker() *CircuitBreaker {
	return p.breaker
}
