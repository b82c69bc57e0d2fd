package notify

import (
	"context"
	"fmt"

	"github.com/dialdesk/dialdesk/pkg/logging"
)

// Service composes the account lifecycle emails on top of an EmailSender.
type Service struct {
	sender     EmailSender
	topUpURL   string
	supportURL string
	logger     *logging.Logger
}

// NewService creates a notification service. A nil sender disables email
// without changing caller code.
func NewService(sender EmailSender, topUpURL, supportURL string, logger *logging.Logger) *Service {
	if logger == nil {
		logger = logging.Default()
	}
	return &Service{sender: sender, topUpURL: topUpURL, supportURL: supportURL, logger: logger}
}

// NotifySuspended tells an account owner their minute balance ran out and
// their phone numbers now play the fallback message. failedNumbers counts
// numbers the platform is still switching over in the background.
func (s *Service) NotifySuspended(ctx context.Context, email string, failedNumbers int) error {
	if s.sender == nil || email == "" {
		return nil
	}
	body := fmt.Sprintf(
		"Your account has used all of its included minutes, so incoming calls now hear a service-paused message instead of your AI agent.\n\n"+
			"Purchase more minutes to restore service immediately: %s\n", s.topUpURL)
	if failedNumbers > 0 {
		body += fmt.Sprintf("\n%d of your numbers are still being switched over; this finishes automatically within a few minutes.\n", failedNumbers)
	}
	if s.supportURL != "" {
		body += fmt.Sprintf("\nQuestions? %s\n", s.supportURL)
	}
	return s.sender.Send(ctx, EmailMessage{
		To:      email,
		Subject: "Your AI phone service is paused - out of minutes",
		Body:    body,
	})
}

// NotifyRestored tells an account owner their numbers are routing to their
// agents again after a top-up.
func (s *Service) NotifyRestored(ctx context.Context, email string, minutesAdded int) error {
	if s.sender == nil || email == "" {
		return nil
	}
	body := fmt.Sprintf(
		"Thanks for topping up! %d minutes were added to your account and your phone numbers are routing to your AI agents again.\n", minutesAdded)
	return s.sender.Send(ctx, EmailMessage{
		To:      email,
		Subject: "Your AI phone service is back online",
		Body:    body,
	})
}
