// Package notify delivers "child found" alerts to guardians.
package notify

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/kozaktomas/child-finder/internal/logging"
)

// DefaultCustomMessage is appended when the operator gives no message of their own.
const DefaultCustomMessage = "Please contact the authorities immediately to reunite with your child."

// ErrAllFailed is returned by Chain when no notifier delivered the message.
var ErrAllFailed = errors.New("all notification methods failed")

// Message is one alert to one guardian.
type Message struct {
	Phone            string
	ChildName        string
	Location         string // optional, where the child was found
	Custom           string
	ConfirmationCode string
}

// Text renders the alert body.
func (m Message) Text() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "CHILD SAFETY ALERT: %s has been found", m.ChildName)
	if m.Location != "" {
		fmt.Fprintf(&sb, " at %s", m.Location)
	}
	custom := m.Custom
	if custom == "" {
		custom = DefaultCustomMessage
	}
	fmt.Fprintf(&sb, ". %s", custom)
	if m.ConfirmationCode != "" {
		fmt.Fprintf(&sb, " Please use confirmation code %s for verification.", m.ConfirmationCode)
	}
	return sb.String()
}

// Notifier delivers a message or returns an error.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Method is a named notifier inside a Chain.
type Method struct {
	Name     string
	Notifier Notifier
}

// Chain tries its methods in order until one succeeds.
type Chain struct {
	methods []Method
	logger  *slog.Logger
}

var _ Notifier = (*Chain)(nil)

func NewChain(logger *slog.Logger, methods ...Method) *Chain {
	return &Chain{methods: methods, logger: logging.OrDefault(logger)}
}

// Send delivers msg and returns the name of the method that succeeded.
func (c *Chain) Send(ctx context.Context, msg Message) (string, error) {
	if strings.TrimSpace(msg.Phone) == "" {
		return "", errors.New("no phone number provided")
	}

	var errs []error
	for _, m := range c.methods {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if err := m.Notifier.Notify(ctx, msg); err != nil {
			c.logger.Error("notification method failed", "method", m.Name, "phone", msg.Phone, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", m.Name, err))
			continue
		}
		c.logger.Info("guardian notified", "method", m.Name, "phone", msg.Phone)
		return m.Name, nil
	}
	return "", fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}

// Notify implements Notifier.
func (c *Chain) Notify(ctx context.Context, msg Message) error {
	_, err := c.Send(ctx, msg)
	return err
}

// Outcome is the per-guardian result of NotifyAll.
type Outcome struct {
	Phone  string
	Method string // empty when delivery failed
	Err    error
}

// NotifyAll sends template to every phone, each with its own confirmation code.
func (c *Chain) NotifyAll(ctx context.Context, phones []string, template Message) []Outcome {
	outcomes := make([]Outcome, 0, len(phones))
	for _, phone := range phones {
		msg := template
		msg.Phone = phone
		code, err := ConfirmationCode()
		if err != nil {
			outcomes = append(outcomes, Outcome{Phone: phone, Err: err})
			continue
		}
		msg.ConfirmationCode = code
		method, err := c.Send(ctx, msg)
		outcomes = append(outcomes, Outcome{Phone: phone, Method: method, Err: err})
	}
	return outcomes
}

// ConfirmationCode returns a random 6-digit code.
func ConfirmationCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generating confirmation code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
