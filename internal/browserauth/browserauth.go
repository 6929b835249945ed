// Package browserauth implements the interactive browser-mediated
// authorization primitive: it opens an authorization URL, waits for the user
// to approve or deny, and returns the final redirect URL.
package browserauth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os/exec"
	"runtime"
	"time"
)

// ErrAuthCancelled indicates the user denied consent or closed the flow.
var ErrAuthCancelled = errors.New("authorization cancelled by user")

// DefaultAuthorizeTimeout bounds how long one interactive attempt may run.
const DefaultAuthorizeTimeout = 5 * time.Minute

const callbackPath = "/oauth/callback"

// Authorizer hands an authorization URL to the user and reports the outcome.
type Authorizer interface {
	// RedirectURI returns the redirect URI to register the client with.
	// Valid before Authorize is called.
	RedirectURI() string
	// Authorize opens authURL, blocks until the user approves, denies or the
	// context expires, and returns the final redirect URL with its query
	// parameters. Denial and closure return ErrAuthCancelled.
	Authorize(ctx context.Context, authURL string) (*url.URL, error)
	// Close releases the callback listener. Safe to call multiple times.
	Close() error
}

// LoopbackAuthorizer serves the OAuth redirect on a dynamically allocated
// loopback port and opens the system browser for consent.
type LoopbackAuthorizer struct {
	listener    net.Listener
	server      *http.Server
	redirectURI string
	results     chan *url.URL
	openBrowser func(string) error
	closed      bool
}

// NewLoopbackAuthorizer allocates a loopback port and starts the callback server.
func NewLoopbackAuthorizer() (*LoopbackAuthorizer, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to allocate callback port: %w", err)
	}

	a := &LoopbackAuthorizer{
		listener:    listener,
		redirectURI: fmt.Sprintf("http://127.0.0.1:%d%s", listener.Addr().(*net.TCPAddr).Port, callbackPath),
		results:     make(chan *url.URL, 1),
		openBrowser: openBrowser,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, a.handleCallback)
	a.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() { _ = a.server.Serve(listener) }()
	return a, nil
}

// RedirectURI returns the redirect URI served by this authorizer.
func (a *LoopbackAuthorizer) RedirectURI() string { return a.redirectURI }

func (a *LoopbackAuthorizer) handleCallback(w http.ResponseWriter, r *http.Request) {
	redirect := *r.URL

	select {
	case a.results <- &redirect:
	default:
		// a second hit on the callback is ignored
	}

	w.Header().Set("Content-Type", "text/html")
	_, _ = w.Write([]byte(`<html><body><h1>Authorization complete</h1>
<p>You can close this window and return to the application.</p></body></html>`))
}

// Authorize opens the authorization URL and waits for the redirect.
func (a *LoopbackAuthorizer) Authorize(ctx context.Context, authURL string) (*url.URL, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultAuthorizeTimeout)
	defer cancel()

	if err := a.openBrowser(authURL); err != nil {
		return nil, fmt.Errorf("failed to open browser: %w", err)
	}

	select {
	case redirect := <-a.results:
		query := redirect.Query()
		if errCode := query.Get("error"); errCode != "" {
			if errCode == "access_denied" {
				return nil, ErrAuthCancelled
			}
			desc := query.Get("error_description")
			return nil, fmt.Errorf("authorization failed: %s: %s", errCode, desc)
		}
		return redirect, nil
	case <-ctx.Done():
		return nil, ErrAuthCancelled
	}
}

// Close shuts down the callback server.
func (a *LoopbackAuthorizer) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return a.server.Shutdown(ctx)
}

func openBrowser(target string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", target).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", target).Start()
	default:
		return exec.Command("xdg-open", target).Start()
	}
}
