package oidc

import (
	"context"
	"fmt"

	"github.com/pkg/browser"
)

// Navigator takes the visitor to an external URL. Once Navigate returns nil
// the login is in the hands of the provider; nothing in this process waits
// for it.
type Navigator interface {
	Navigate(ctx context.Context, target string) error
}

// NavigatorFunc adapts a function to a Navigator
type NavigatorFunc func(ctx context.Context, target string) error

func (f NavigatorFunc) Navigate(ctx context.Context, target string) error {
	return f(ctx, target)
}

// BrowserNavigator opens the target in the user's default browser
type BrowserNavigator struct {
	open func(url string) error
}

// NewBrowserNavigator creates a navigator backed by the system browser
func NewBrowserNavigator() *BrowserNavigator {
	return &BrowserNavigator{open: browser.OpenURL}
}

func (b *BrowserNavigator) Navigate(_ context.Context, target string) error {
	if err := b.open(target); err != nil {
		return fmt.Errorf("could not open browser: %w", err)
	}
	return nil
}
