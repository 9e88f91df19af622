package platform

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/e-vnts/meet-recorder/pkg/log"
)

const (
	zoomNameInput   = `#input-for-name`
	zoomLeaveButton = `button[aria-label*="Leave"], .footer__leave-btn`
)

// Zoom drives the Zoom web client
type Zoom struct {
	NavigateTimeout time.Duration
	NameTimeout     time.Duration
	JoinTimeout     time.Duration
	PollInterval    time.Duration
}

// NewZoom creates a Zoom driver with default timeouts
func NewZoom() *Zoom {
	return &Zoom{
		NavigateTimeout: 60 * time.Second,
		NameTimeout:     30 * time.Second,
		JoinTimeout:     20 * time.Second,
		PollInterval:    500 * time.Millisecond,
	}
}

// WebClientURL rewrites a Zoom invite link (https://zoom.us/j/<id>?pwd=<pwd>)
// into the browser client URL so no app download prompt is shown. Links
// without a /j/ segment are returned unchanged.
func WebClientURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("%w: invalid meeting URL: %v", ErrAutomationFailed, err)
	}

	_, rest, found := strings.Cut(u.Path, "/j/")
	if !found {
		return raw, nil
	}
	meetingID, _, _ := strings.Cut(rest, "/")
	if meetingID == "" {
		return "", fmt.Errorf("%w: no meeting id in %s", ErrAutomationFailed, raw)
	}

	// fromPWA goes first, matching the links the web client itself emits
	query := "fromPWA=1"
	if pwd := u.Query().Get("pwd"); pwd != "" {
		query += "&pwd=" + url.QueryEscape(pwd)
	}
	return "https://app.zoom.us/wc/" + meetingID + "/join?" + query, nil
}

// Join opens the web client, fills in the name and joins
func (z *Zoom) Join(ctx context.Context, page Page, req JoinRequest) error {
	logger := log.WithSession(req.SessionID).WithField("platform", "zoom")

	target, err := WebClientURL(req.MeetingURL)
	if err != nil {
		return err
	}
	logger.Debugf("Using web client URL %s", target)

	err = step(ctx, z.NavigateTimeout, "open meeting", func(ctx context.Context) error {
		return page.Navigate(ctx, target)
	})
	if err != nil {
		return err
	}

	err = step(ctx, z.NameTimeout, "enter name", func(ctx context.Context) error {
		if err := page.WaitFor(ctx, exists(zoomNameInput), z.PollInterval); err != nil {
			return err
		}
		var filled bool
		return page.Evaluate(ctx, fillInput(zoomNameInput, req.DisplayName), &filled)
	})
	if err != nil {
		return err
	}

	err = step(ctx, z.JoinTimeout, "click join", func(ctx context.Context) error {
		return page.WaitFor(ctx, clickByText("Join"), z.PollInterval)
	})
	if err != nil {
		return err
	}

	if err := awaitJoined(ctx, page, zoomLeaveButton, []string{
		"This meeting link is invalid",
		"Invalid meeting ID",
		"The meeting has been ended",
		"You have been removed",
	}, z.PollInterval); err != nil {
		return err
	}

	logger.Info("Joined Zoom meeting")
	return nil
}

// Leave clicks through Zoom's two-step leave dialog
func (z *Zoom) Leave(ctx context.Context, page Page, sessionID string) error {
	var clicked bool
	if err := page.Evaluate(ctx, clickByText("Leave"), &clicked); err == nil && clicked {
		waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := page.WaitFor(waitCtx, clickByText("Leave Meeting"), z.PollInterval)
		cancel()
		if err != nil {
			log.WithSession(sessionID).Debugf("Leave confirmation not shown: %v", err)
		}
	}
	return page.Navigate(ctx, "about:blank")
}
