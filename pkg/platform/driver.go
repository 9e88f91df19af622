package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/e-vnts/meet-recorder/pkg/session"
)

var ErrAutomationFailed = errors.New("meeting automation failed")

// Page is the slice of browser control the drivers need
type Page interface {
	Navigate(ctx context.Context, url string) error
	Evaluate(ctx context.Context, expression string, out interface{}) error
	WaitFor(ctx context.Context, expression string, interval time.Duration) error
}

// JoinRequest carries what a driver needs to enter a meeting
type JoinRequest struct {
	MeetingURL  string
	SessionID   string
	DisplayName string
}

// Driver joins and leaves meetings of one platform
type Driver interface {
	Join(ctx context.Context, page Page, req JoinRequest) error
	Leave(ctx context.Context, page Page, sessionID string) error
}

// Tender is implemented by drivers that need periodic attention while a
// meeting is being recorded, e.g. to dismiss dialogs.
type Tender interface {
	Tend(ctx context.Context, page Page, sessionID string) error
}

// Registry maps platforms to drivers
type Registry struct {
	drivers map[session.Platform]Driver
	mutex   sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{drivers: make(map[session.Platform]Driver)}
}

// DefaultRegistry returns a registry with the built-in drivers
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(session.PlatformGoogle, NewGoogleMeet())
	r.Register(session.PlatformZoom, NewZoom())
	return r
}

// Register adds or replaces the driver for p
func (r *Registry) Register(p session.Platform, d Driver) {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	r.drivers[p] = d
}

// Get returns the driver for p
func (r *Registry) Get(p session.Platform) (Driver, error) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	d, ok := r.drivers[p]
	if !ok {
		return nil, fmt.Errorf("%w: %s", session.ErrUnknownPlatform, p)
	}
	return d, nil
}

// jsValue renders v as a JavaScript literal
func jsValue(v interface{}) string {
	b, _ := json.Marshal(v)
	return string(b)
}

// clickByText clicks the first visible button-like element whose text or
// aria-label contains one of labels, searching same-origin iframes too.
// The expression evaluates to true if something was clicked.
func clickByText(labels ...string) string {
	return `(() => {
  const labels = ` + jsValue(labels) + `;
  const docs = [document];
  for (const f of document.querySelectorAll('iframe')) {
    try { if (f.contentDocument) docs.push(f.contentDocument); } catch (e) {}
  }
  for (const doc of docs) {
    for (const el of doc.querySelectorAll('button, [role="button"]')) {
      const text = ((el.innerText || '') + ' ' + (el.getAttribute('aria-label') || '')).trim();
      if (el.offsetParent === null || el.disabled) continue;
      if (labels.some(l => text.includes(l))) { el.click(); return true; }
    }
  }
  return false;
})()`
}

// fillInput sets the value of the first element matching selector, again
// looking into iframes. React inputs ignore plain assignment, so the
// native setter is used and an input event dispatched.
func fillInput(selector, value string) string {
	return `(() => {
  const docs = [document];
  for (const f of document.querySelectorAll('iframe')) {
    try { if (f.contentDocument) docs.push(f.contentDocument); } catch (e) {}
  }
  for (const doc of docs) {
    const el = doc.querySelector(` + jsValue(selector) + `);
    if (!el) continue;
    const setter = Object.getOwnPropertyDescriptor(HTMLInputElement.prototype, 'value').set;
    setter.call(el, ` + jsValue(value) + `);
    el.dispatchEvent(new Event('input', { bubbles: true }));
    el.dispatchEvent(new Event('change', { bubbles: true }));
    return true;
  }
  return false;
})()`
}

// exists evaluates to true if selector matches in the page or an iframe
func exists(selector string) string {
	return `(() => {
  if (document.querySelector(` + jsValue(selector) + `)) return true;
  for (const f of document.querySelectorAll('iframe')) {
    try { if (f.contentDocument && f.contentDocument.querySelector(` + jsValue(selector) + `)) return true; } catch (e) {}
  }
  return false;
})()`
}

// step runs fn with its own timeout and wraps failures as automation errors
func step(ctx context.Context, timeout time.Duration, what string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := fn(ctx); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrAutomationFailed, what, err)
	}
	return nil
}

// optional is like step but swallows timeouts, for elements that only
// appear sometimes
func optional(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := fn(stepCtx)
	if err != nil && ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
