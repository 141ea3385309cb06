package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"

	"github.com/panyam/portalauth"
	"github.com/panyam/portalauth/oidc"
)

var (
	noBrowser bool
	noListen  bool
	timeout   time.Duration
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in through the identity provider",
	Long: `Opens the identity provider's login page and waits for it to redirect
back to the redirect URL, which must point at this machine. With --no-listen
the login is left pending in the store and finished by "portalauth callback".`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, closeStore, err := openStore(ctx, storeTarget, cfg.AppName)
		if err != nil {
			return err
		}
		defer closeStore()

		p := newTerminalPrompter(cmd.InOrStdin(), cmd.OutOrStdout())
		opts := loginOptions{
			cfg:       cfg,
			store:     store,
			navigator: printingNavigator(p, !noBrowser),
			prompter:  p,
			timeout:   timeout,
			logger:    slog.Default(),
		}
		if !noListen {
			redirect, err := url.Parse(cfg.OIDC.RedirectURL)
			if err != nil {
				return fmt.Errorf("%w: invalid redirect url: %v", portalauth.ErrConfiguration, err)
			}
			lis, err := net.Listen("tcp", redirect.Host)
			if err != nil {
				return fmt.Errorf("cannot listen on %s, try --no-listen: %w", redirect.Host, err)
			}
			opts.listener = lis
		}
		return runLogin(ctx, opts)
	},
}

func init() {
	loginCmd.Flags().BoolVar(&noBrowser, "no-browser", false, "print the login URL instead of opening a browser")
	loginCmd.Flags().BoolVar(&noListen, "no-listen", false, "do not wait for the redirect; finish with the callback command")
	loginCmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for the identity provider")
	rootCmd.AddCommand(loginCmd)
}

type loginOptions struct {
	cfg       *portalauth.Config
	store     oidc.TransactionStore
	navigator oidc.Navigator
	prompter  prompter
	logger    *slog.Logger
	timeout   time.Duration

	// listener receives the provider redirect. Without one the login is left
	// pending.
	listener net.Listener
}

// printingNavigator shows the login URL and, if open is set, also opens it
// in the system browser
func printingNavigator(p prompter, open bool) oidc.Navigator {
	browser := oidc.NewBrowserNavigator()
	return oidc.NavigatorFunc(func(ctx context.Context, target string) error {
		p.Printf("Log in at:\n\n  %s\n\n", target)
		if !open {
			return nil
		}
		if err := browser.Navigate(ctx, target); err != nil {
			p.Printf("%v, open the URL above yourself\n", err)
		}
		return nil
	})
}

// newManager builds a session manager whose coordinator keeps its pending
// logins in opts.store
func newManager(opts loginOptions) *portalauth.SessionManager {
	coord := oidc.NewCoordinator(opts.cfg.OIDC,
		oidc.WithNavigator(opts.navigator),
		oidc.WithTransactionStore(opts.store),
		oidc.WithLogger(opts.logger))
	return portalauth.NewSessionManager(*opts.cfg,
		portalauth.WithCoordinator(coord),
		portalauth.WithLogger(opts.logger),
		portalauth.WithNotifier(portalauth.LogNotifier{Logger: opts.logger}))
}

// runLogin starts a login and, when a listener is set, completes it with the
// redirect that arrives there
func runLogin(ctx context.Context, opts loginOptions) error {
	if opts.logger == nil {
		opts.logger = slog.Default()
	}
	sm := newManager(opts)

	if opts.listener == nil {
		if err := sm.Login(ctx); err != nil {
			return err
		}
		opts.prompter.Printf("After logging in, run:\n\n  portalauth callback '<the URL your browser was sent to>'\n")
		return nil
	}

	callbacks := make(chan *url.URL, 1)
	srv := &http.Server{Handler: callbackRouter(opts.cfg, callbacks)}
	go func() {
		if err := srv.Serve(opts.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			opts.logger.Warn("callback listener stopped", "err", err)
		}
	}()
	defer srv.Shutdown(context.Background())

	if err := sm.Login(ctx); err != nil {
		return err
	}

	wait := opts.timeout
	if wait <= 0 {
		wait = 5 * time.Minute
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	var callbackURL *url.URL
	select {
	case callbackURL = <-callbacks:
	case <-timer.C:
		return fmt.Errorf("%w: no redirect from the identity provider within %s", portalauth.ErrLoginFailed, wait)
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := sm.HandleCallback(ctx, callbackURL); err != nil {
		return err
	}
	return runFlow(ctx, sm, opts.prompter)
}

// callbackRouter serves the redirect path, handing the first redirect it
// sees to callbacks
func callbackRouter(cfg *portalauth.Config, callbacks chan<- *url.URL) http.Handler {
	base, _ := url.Parse(cfg.OIDC.RedirectURL)
	r := mux.NewRouter()
	r.HandleFunc(cfg.Routes.Callback, func(w http.ResponseWriter, req *http.Request) {
		u := *base
		u.RawQuery = req.URL.RawQuery
		select {
		case callbacks <- &u:
			fmt.Fprintf(w, "Login received, you can close this window and return to the terminal.\n")
		default:
			http.Error(w, "login already received", http.StatusConflict)
		}
	}).Methods(http.MethodGet)
	return r
}
