package platform

import (
	"context"
	"fmt"
	"time"

	"github.com/e-vnts/meet-recorder/pkg/log"
)

const (
	meetNameInput   = `input[aria-label="Your name"]`
	meetLeaveButton = `button[aria-label="Leave call"]`
)

// GoogleMeet drives the Google Meet web client
type GoogleMeet struct {
	NavigateTimeout time.Duration
	NameTimeout     time.Duration
	JoinTimeout     time.Duration
	PollInterval    time.Duration
}

// NewGoogleMeet creates a Google Meet driver with default timeouts
func NewGoogleMeet() *GoogleMeet {
	return &GoogleMeet{
		NavigateTimeout: 60 * time.Second,
		NameTimeout:     10 * time.Second,
		JoinTimeout:     30 * time.Second,
		PollInterval:    500 * time.Millisecond,
	}
}

var meetPopups = []string{"Got it", "Dismiss"}

// Join opens the meeting, enters the bot's name when asked and waits until
// the bot is in the call. Waiting for admission is bounded by ctx.
func (g *GoogleMeet) Join(ctx context.Context, page Page, req JoinRequest) error {
	logger := log.WithSession(req.SessionID).WithField("platform", "google")

	err := step(ctx, g.NavigateTimeout, "open meeting", func(ctx context.Context) error {
		return page.Navigate(ctx, req.MeetingURL)
	})
	if err != nil {
		return err
	}

	g.dismissPopups(ctx, page)

	// Signed-out joins ask for a name; signed-in profiles skip it
	err = optional(ctx, g.NameTimeout, func(ctx context.Context) error {
		if err := page.WaitFor(ctx, exists(meetNameInput), g.PollInterval); err != nil {
			return err
		}
		var filled bool
		if err := page.Evaluate(ctx, fillInput(meetNameInput, req.DisplayName), &filled); err != nil {
			return err
		}
		logger.Debugf("Entered display name %q", req.DisplayName)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: enter name: %v", ErrAutomationFailed, err)
	}

	err = step(ctx, g.JoinTimeout, "click join", func(ctx context.Context) error {
		return page.WaitFor(ctx, clickByText("Join now", "Ask to join"), g.PollInterval)
	})
	if err != nil {
		return err
	}
	logger.Info("Join requested, waiting to be let in")

	if err := awaitJoined(ctx, page, meetLeaveButton, []string{
		"You can't join this video call",
		"You've been removed from the meeting",
		"No one responded to your request to join",
		"Check your meeting code",
	}, g.PollInterval); err != nil {
		return err
	}

	logger.Info("Joined Google Meet")
	return nil
}

// Leave hangs up. The page is left on about:blank either way.
func (g *GoogleMeet) Leave(ctx context.Context, page Page, sessionID string) error {
	var clicked bool
	if err := page.Evaluate(ctx, clickByText("Leave call"), &clicked); err != nil {
		log.WithSession(sessionID).Debugf("Leave button not clickable: %v", err)
	}
	return page.Navigate(ctx, "about:blank")
}

// Tend dismisses the dialogs Meet pops up during long calls
func (g *GoogleMeet) Tend(ctx context.Context, page Page, sessionID string) error {
	g.dismissPopups(ctx, page)
	return nil
}

func (g *GoogleMeet) dismissPopups(ctx context.Context, page Page) {
	var clicked bool
	_ = page.Evaluate(ctx, clickByText(meetPopups...), &clicked)
}

// awaitJoined polls until joinedSelector appears or the page shows one of
// the denial messages
func awaitJoined(ctx context.Context, page Page, joinedSelector string, denied []string, interval time.Duration) error {
	script := `(() => {
  if (` + exists(joinedSelector) + `) return "joined";
  const text = document.body ? document.body.innerText : "";
  for (const d of ` + jsValue(denied) + `) { if (text.includes(d)) return "denied:" + d; }
  return "waiting";
})()`

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var status string
		if err := page.Evaluate(ctx, script, &status); err == nil {
			switch {
			case status == "joined":
				return nil
			case len(status) > 7 && status[:7] == "denied:":
				return fmt.Errorf("%w: %s", ErrAutomationFailed, status[7:])
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: waiting to be admitted: %v", ErrAutomationFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}
