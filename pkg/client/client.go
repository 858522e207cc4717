// Package client authorizes autodetect against Google APIs and builds the
// HTTP clients the Gmail source and Sheets sink use.
package client

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

const (
	defaultCallbackAddr = "localhost:8085"
	callbackPath        = "/callback"
	defaultWait         = 5 * time.Minute
)

// ErrNoToken is returned by HTTPClient when setup has not been run.
var ErrNoToken = errors.New("no saved token; run `autodetect setup` first")

// Config holds configuration for the authenticator.
type Config struct {
	// SecretFile is the OAuth client secret downloaded from the Google console.
	SecretFile string
	// TokenFile is where the user's token is cached between runs.
	TokenFile string
	// CallbackAddr is the host:port the setup flow listens on.
	CallbackAddr string
	// Wait bounds how long setup waits for the browser to come back.
	Wait time.Duration
	// OpenBrowser, when false, only prints the consent URL.
	OpenBrowser bool
}

// Authenticator loads and refreshes Google OAuth tokens.
type Authenticator struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Authenticator.
func New(cfg Config, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.CallbackAddr == "" {
		cfg.CallbackAddr = defaultCallbackAddr
	}
	if cfg.Wait <= 0 {
		cfg.Wait = defaultWait
	}

	return &Authenticator{cfg: cfg, logger: logger.With("component", "oauth")}
}

func (a *Authenticator) oauthConfig(scopes ...string) (*oauth2.Config, error) {
	b, err := os.ReadFile(a.cfg.SecretFile)
	if err != nil {
		return nil, fmt.Errorf("reading client secret file: %w", err)
	}

	conf, err := google.ConfigFromJSON(b, scopes...)
	if err != nil {
		return nil, fmt.Errorf("parsing client secret: %w", err)
	}
	return conf, nil
}

// HTTPClient returns a client authorized with the cached token. Refreshed
// tokens are written back to TokenFile.
func (a *Authenticator) HTTPClient(ctx context.Context, scopes ...string) (*http.Client, error) {
	conf, err := a.oauthConfig(scopes...)
	if err != nil {
		return nil, err
	}

	tok, err := TokenFromFile(a.cfg.TokenFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	src := &savingTokenSource{
		base:   conf.TokenSource(ctx, tok),
		path:   a.cfg.TokenFile,
		last:   tok.AccessToken,
		logger: a.logger,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

// Authorize runs the browser consent flow and saves the resulting token.
func (a *Authenticator) Authorize(ctx context.Context, scopes ...string) error {
	conf, err := a.oauthConfig(scopes...)
	if err != nil {
		return err
	}
	conf.RedirectURL = "http://" + a.cfg.CallbackAddr + callbackPath

	state, err := randomState()
	if err != nil {
		return fmt.Errorf("generating state token: %w", err)
	}

	results := make(chan callbackResult, 1)
	mux := http.NewServeMux()
	mux.Handle(callbackPath, callbackHandler(state, results))
	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", a.cfg.CallbackAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.CallbackAddr, err)
	}
	go func() {
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("callback server failed", "error", err)
			results <- callbackResult{err: err}
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := conf.AuthCodeURL(state, oauth2.AccessTypeOffline)
	fmt.Printf("\nVisit this URL to grant access:\n%s\n\n", authURL)
	if a.cfg.OpenBrowser {
		if err := openBrowser(ctx, authURL); err != nil {
			a.logger.Warn("could not open browser", "error", err)
		}
	}

	waitCtx, cancel := context.WithTimeout(ctx, a.cfg.Wait)
	defer cancel()

	var res callbackResult
	select {
	case res = <-results:
	case <-waitCtx.Done():
		return fmt.Errorf("waiting for oauth callback: %w", waitCtx.Err())
	}
	if res.err != nil {
		return fmt.Errorf("oauth callback: %w", res.err)
	}

	tok, err := conf.Exchange(ctx, res.code)
	if err != nil {
		return fmt.Errorf("exchanging authorization code: %w", err)
	}
	if err := SaveToken(a.cfg.TokenFile, tok); err != nil {
		return err
	}

	a.logger.Info("saved oauth token", "path", a.cfg.TokenFile)
	return nil
}

type callbackResult struct {
	code string
	err  error
}

// callbackHandler delivers exactly one result to results.
func callbackHandler(state string, results chan<- callbackResult) http.Handler {
	var once sync.Once
	deliver := func(r callbackResult) {
		once.Do(func() { results <- r })
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			deliver(callbackResult{err: errors.New("state mismatch")})
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "authorization failed: "+e, http.StatusBadRequest)
			deliver(callbackResult{err: fmt.Errorf("%s: %s", e, q.Get("error_description"))})
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			deliver(callbackResult{err: errors.New("no authorization code received")})
			return
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintln(w, "autodetect is authorized. You can close this window.")
		deliver(callbackResult{code: code})
	})
}

type savingTokenSource struct {
	base   oauth2.TokenSource
	path   string
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (s *savingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := s.base.Token()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := SaveToken(s.path, tok); err != nil {
			s.logger.Warn("failed to persist refreshed token", "error", err)
		}
	}
	return tok, nil
}

func openBrowser(ctx context.Context, url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.CommandContext(ctx, "open", url)
	case "linux":
		cmd = exec.CommandContext(ctx, "xdg-open", url)
	case "windows":
		cmd = exec.CommandContext(ctx, "cmd", "/c", "start", url)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
	return cmd.Start()
}

func randomState() (string, error) {
	b := make([]byte, 24)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// TokenFromFile reads a token saved by SaveToken.
func TokenFromFile(path string) (*oauth2.Token, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	tok := &oauth2.Token{}
	if err := json.NewDecoder(f).Decode(tok); err != nil {
		return nil, fmt.Errorf("decoding token %s: %w", path, err)
	}
	return tok, nil
}

// SaveToken writes tok to path with owner-only permissions.
func SaveToken(path string, tok *oauth2.Token) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating token directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("creating token file: %w", err)
	}
	defer f.Close()

	if err := json.NewEncoder(f).Encode(tok); err != nil {
		return fmt.Errorf("encoding token: %w", err)
	}
	return nil
}
