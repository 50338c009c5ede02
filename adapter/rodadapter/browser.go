// Package rodadapter implements the adapter contract over a Chrome page
// driven through Rod.
package rodadapter

import (
	"fmt"
	"log/slog"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
)

// BrowserConfig controls Chrome lifecycle.
type BrowserConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty launches a local Chrome via launcher.
	RemoteURL string

	// Headless controls the local launch mode. Ignored for remote.
	Headless bool

	Logger *slog.Logger
}

func (c *BrowserConfig) defaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Browser owns a Chrome process (or a connection to one) for the lifetime
// of a capture or replay run.
type Browser struct {
	cfg     BrowserConfig
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// Launch starts Chrome (or connects to RemoteURL) and returns the handle.
func Launch(cfg BrowserConfig) (*Browser, error) {
	cfg.defaults()
	log := cfg.Logger

	b := &Browser{cfg: cfg}
	var wsURL string

	if cfg.RemoteURL != "" {
		wsURL = cfg.RemoteURL
		log.Info("browser: connecting to remote", "url", wsURL)
	} else {
		l := launcher.New().Headless(cfg.Headless)
		// Anti-detection flag, matching what stealth pages expect.
		l = l.Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("rodadapter: launch: %w", err)
		}
		wsURL = u
		b.lnch = l
		log.Info("browser: launched local chrome", "url", wsURL, "headless", cfg.Headless)
	}

	rb := rod.New().ControlURL(wsURL)
	if err := rb.Connect(); err != nil {
		return nil, fmt.Errorf("rodadapter: connect: %w", err)
	}
	b.browser = rb
	return b, nil
}

// Rod returns the underlying Rod handle.
func (b *Browser) Rod() *rod.Browser { return b.browser }

// Close disconnects and, for a locally launched Chrome, kills the process.
func (b *Browser) Close() error {
	var err error
	if b.browser != nil {
		err = b.browser.Close()
	}
	if b.lnch != nil {
		b.lnch.Cleanup()
	}
	return err
}
