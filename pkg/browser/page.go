package browser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrScript = errors.New("page script failed")

// Page drives one browser tab
type Page struct {
	conn *Conn
}

// NewPage wraps a connection to a page target
func NewPage(conn *Conn) *Page {
	return &Page{conn: conn}
}

// Enable turns on the Page and Runtime domains
func (p *Page) Enable(ctx context.Context) error {
	if err := p.conn.Call(ctx, "Page.enable", nil, nil); err != nil {
		return err
	}
	return p.conn.Call(ctx, "Runtime.enable", nil, nil)
}

// Navigate loads url and waits until the document is no longer loading
func (p *Page) Navigate(ctx context.Context, url string) error {
	var res struct {
		FrameID   string `json:"frameId"`
		ErrorText string `json:"errorText"`
	}
	if err := p.conn.Call(ctx, "Page.navigate", map[string]string{"url": url}, &res); err != nil {
		return err
	}
	if res.ErrorText != "" {
		return fmt.Errorf("navigate to %s: %s", url, res.ErrorText)
	}
	return p.WaitFor(ctx, `document.readyState !== "loading"`, 200*time.Millisecond)
}

type remoteObject struct {
	Type        string          `json:"type"`
	Value       json.RawMessage `json:"value"`
	Description string          `json:"description"`
}

type exceptionDetails struct {
	Text      string        `json:"text"`
	Exception *remoteObject `json:"exception"`
}

// Evaluate runs expression in the page, awaiting it if it is a promise,
// and decodes the JSON value into out (which may be nil).
func (p *Page) Evaluate(ctx context.Context, expression string, out interface{}) error {
	params := map[string]interface{}{
		"expression":    expression,
		"awaitPromise":  true,
		"returnByValue": true,
	}
	var res struct {
		Result           remoteObject      `json:"result"`
		ExceptionDetails *exceptionDetails `json:"exceptionDetails"`
	}
	if err := p.conn.Call(ctx, "Runtime.evaluate", params, &res); err != nil {
		return err
	}
	if ex := res.ExceptionDetails; ex != nil {
		msg := ex.Text
		if ex.Exception != nil && ex.Exception.Description != "" {
			msg = ex.Exception.Description
		}
		return fmt.Errorf("%w: %s", ErrScript, msg)
	}
	if out != nil && len(res.Result.Value) > 0 {
		if err := json.Unmarshal(res.Result.Value, out); err != nil {
			return fmt.Errorf("decode script result: %w", err)
		}
	}
	return nil
}

// WaitFor polls expression until it evaluates truthy or ctx ends.
// Evaluation errors count as "not yet" since the page may be mid-navigation.
func (p *Page) WaitFor(ctx context.Context, expression string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastErr error
	for {
		var ok bool
		err := p.Evaluate(ctx, "Boolean("+expression+")", &ok)
		if err == nil && ok {
			return nil
		}
		if err != nil {
			lastErr = err
			if errors.Is(err, ErrConnClosed) {
				return err
			}
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return fmt.Errorf("wait for %s: %w (last error: %v)", expression, ctx.Err(), lastErr)
			}
			return fmt.Errorf("wait for %s: %w", expression, ctx.Err())
		case <-p.conn.Done():
			return p.conn.Err()
		case <-ticker.C:
		}
	}
}

// Done is closed when the page connection is gone
func (p *Page) Done() <-chan struct{} {
	return p.conn.Done()
}

// Close closes the page connection. The tab itself stays open.
func (p *Page) Close() error {
	return p.conn.Close()
}
