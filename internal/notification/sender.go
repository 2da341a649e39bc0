// Package notification delivers status-change notifications to applicants
// over SMS, email and websocket, and keeps the per-state notification
// history.
package notification

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	awsclient "application-lifecycle/internal/common/aws"
	"application-lifecycle/internal/common/validation"
)

var (
	ErrInvalidRecipient = errors.New("INVALID_RECIPIENT")
	ErrSendFailed       = errors.New("NOTIFICATION_SEND_FAILED")
)

type SendResult struct {
	Success   bool   `json:"success"`
	MessageID string `json:"message_id,omitempty"`
}

// SMSSender sends a text message to a phone number.
type SMSSender interface {
	Send(ctx context.Context, to, message string) (SendResult, error)
}

// EmailSender sends a plain text email.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) (SendResult, error)
}

var (
	nonDigits     = regexp.MustCompile(`\D`)
	zimbabweShape = regexp.MustCompile(`^\+2637\d{8}$`)
)

// FormatPhone normalizes a Zimbabwean mobile number to +2637XXXXXXXX. A
// leading 0 is replaced by the country code and a missing country code is
// added. ok is false when the result is not a valid mobile number.
func FormatPhone(raw string) (phone string, ok bool) {
	digits := nonDigits.ReplaceAllString(raw, "")
	if digits == "" {
		return "", false
	}
	if strings.HasPrefix(digits, "0") {
		digits = "263" + digits[1:]
	}
	if !strings.HasPrefix(digits, "263") {
		digits = "263" + digits
	}
	phone = "+" + digits
	return phone, zimbabweShape.MatchString(phone)
}

// SNSSender delivers SMS through AWS SNS.
type SNSSender struct {
	client *awsclient.SNSClient
}

func NewSNSSender(client *awsclient.SNSClient) *SNSSender {
	return &SNSSender{client: client}
}

func (s *SNSSender) Send(ctx context.Context, to, message string) (SendResult, error) {
	phone, ok := FormatPhone(to)
	if !ok {
		return SendResult{}, fmt.Errorf("%w: phone %q", ErrInvalidRecipient, to)
	}
	id, err := s.client.SendSMS(ctx, phone, message)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: sns publish: %v", ErrSendFailed, err)
	}
	return SendResult{Success: true, MessageID: id}, nil
}

// SESSender delivers email through AWS SES.
type SESSender struct {
	client *awsclient.SESClient
}

func NewSESSender(client *awsclient.SESClient) *SESSender {
	return &SESSender{client: client}
}

func (s *SESSender) SendEmail(ctx context.Context, to, subject, body string) (SendResult, error) {
	if !validation.ValidateEmail(to) {
		return SendResult{}, fmt.Errorf("%w: email %q", ErrInvalidRecipient, to)
	}
	id, err := s.client.SendEmail(ctx, to, subject, body)
	if err != nil {
		return SendResult{}, fmt.Errorf("%w: ses send: %v", ErrSendFailed, err)
	}
	return SendResult{Success: true, MessageID: id}, nil
}
