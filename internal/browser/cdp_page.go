// internal/browser/cdp_page.go
package browser

import (
	"context"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
)

// page is the small set of browser primitives the session needs. It is
// implemented over CDP by cdpPage and faked in tests.
type page interface {
	Navigate(ctx context.Context, url string) error
	Location(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Click(ctx context.Context, x, y float64) error
	InsertText(ctx context.Context, text string) error
	Wheel(ctx context.Context, x, y, deltaY float64) error
	ReadyState(ctx context.Context) (string, error)
}

// cdpPage implements page with chromedp actions. Every call goes through
// runActions, which binds the tab's context to the operational one.
type cdpPage struct {
	runActions func(ctx context.Context, actions ...chromedp.Action) error
}

var _ page = (*cdpPage)(nil)

func (p *cdpPage) Navigate(ctx context.Context, url string) error {
	return p.runActions(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
}

func (p *cdpPage) Location(ctx context.Context) (string, error) {
	var loc string
	err := p.runActions(ctx, chromedp.Location(&loc))
	return loc, err
}

// Screenshot captures the visible viewport as PNG.
func (p *cdpPage) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	err := p.runActions(ctx, chromedp.CaptureScreenshot(&buf))
	return buf, err
}

// Click moves the pointer to (x, y) and presses and releases the left button.
func (p *cdpPage) Click(ctx context.Context, x, y float64) error {
	return p.runActions(ctx,
		input.DispatchMouseEvent(input.MouseMoved, x, y),
		input.DispatchMouseEvent(input.MousePressed, x, y).WithButton(input.Left).WithClickCount(1),
		input.DispatchMouseEvent(input.MouseReleased, x, y).WithButton(input.Left).WithClickCount(1),
	)
}

// InsertText types into whatever element currently has focus.
func (p *cdpPage) InsertText(ctx context.Context, text string) error {
	return p.runActions(ctx, input.InsertText(text))
}

func (p *cdpPage) Wheel(ctx context.Context, x, y, deltaY float64) error {
	return p.runActions(ctx,
		input.DispatchMouseEvent(input.MouseWheel, x, y).WithDeltaX(0).WithDeltaY(deltaY),
	)
}

func (p *cdpPage) ReadyState(ctx context.Context) (string, error) {
	var state string
	err := p.runActions(ctx, chromedp.Evaluate(`document.readyState`, &state))
	return state, err
}
