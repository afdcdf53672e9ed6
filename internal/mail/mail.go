// Package mail defines the outbound mail transport and its backends.
package mail

import (
	"context"
	"errors"
	"fmt"
)

// ErrPermanent marks transport failures that will never succeed on
// retry: rejected or unverifiable addresses, hard bounces, paused
// sending accounts. The retry tiers currently treat permanent and
// transient failures alike; the classification is carried in the error
// chain so callers can tell them apart.
var ErrPermanent = errors.New("permanent delivery failure")

// Permanent wraps err as a permanent transport failure.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// IsPermanent reports whether err is classified as permanent.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// Message is one fully rendered email.
type Message struct {
	To       string
	ToName   string
	From     string
	FromName string
	Subject  string
	HTML     string
	Text     string
}

// Sender delivers a message through some transport backend. Send blocks
// until the transport accepts or rejects the message; callers bound it
// with a context deadline.
type Sender interface {
	Send(ctx context.Context, msg *Message) error
}

// formatAddress renders "Name <addr>" when a display name is present.
func formatAddress(name, addr string) string {
	if name == "" {
		return addr
	}
	return fmt.Sprintf("%s <%s>", name, addr)
}
