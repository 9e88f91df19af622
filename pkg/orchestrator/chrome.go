package orchestrator

import (
	"context"

	"github.com/e-vnts/meet-recorder/pkg/browser"
	"github.com/e-vnts/meet-recorder/pkg/platform"
)

// ChromeLauncher adapts the Chrome launcher to BrowserLauncher
type ChromeLauncher struct {
	Launcher *browser.Launcher
}

// Launch starts Chrome and attaches to its first page
func (c ChromeLauncher) Launch(ctx context.Context, opts browser.Options) (Browser, error) {
	inst, err := c.Launcher.Launch(ctx, opts)
	if err != nil {
		return nil, err
	}
	return chromeBrowser{inst}, nil
}

type chromeBrowser struct {
	*browser.Instance
}

func (b chromeBrowser) Page() platform.Page {
	return b.Instance.Page()
}
