// Package api exposes accounts, sessions and invites over HTTP.
package api

import (
	_ "embed"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/theapp/server/account"
	"github.com/theapp/server/assertion"
	"github.com/theapp/server/session"
)

// API holds the dependencies needed by the REST handlers.
type API struct {
	accounts *account.Service
	sessions *session.Manager
	signer   *assertion.Signer

	audit  *auditLogger
	logger *slog.Logger

	assertionTTL      time.Duration
	inviteRedirectURL string
	secureCookies     bool
	trustedProxies    []netip.Prefix
	docsPrefix        string
	now               func() time.Time
	alertFn           AlertFunc

	signinLimiter       *backoffLimiter
	signinIPLimiter     *backoffLimiter
	signinGlobalLimiter *windowLimiter
	signupIPLimiter     *backoffLimiter
	signupGlobalLimiter *windowLimiter
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the structured logger for audit events and internal
// errors. If not set, a default JSON logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAlertFunc registers a callback for anomaly alerts such as a spike in
// failed sign-ins.
func WithAlertFunc(fn AlertFunc) Option {
	return func(a *API) {
		a.alertFn = fn
	}
}

// WithTrustedProxies sets the proxy ranges whose forwarding headers are
// honoured when determining the client IP.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) {
		a.trustedProxies = prefixes
	}
}

// WithSecureCookies forces the Secure attribute on every cookie. Without it
// cookies are Secure only for requests that arrived over TLS.
func WithSecureCookies(secure bool) Option {
	return func(a *API) {
		a.secureCookies = secure
	}
}

// WithAssertionTTL sets the lifetime of the short-lived identity assertion.
func WithAssertionTTL(ttl time.Duration) Option {
	return func(a *API) {
		a.assertionTTL = ttl
	}
}

// WithInviteRedirectURL sets the signup page that invite links point to.
func WithInviteRedirectURL(u string) Option {
	return func(a *API) {
		a.inviteRedirectURL = u
	}
}

// WithMountPath tells the docs handlers where Router is mounted.
// Defaults to "/api".
func WithMountPath(prefix string) Option {
	return func(a *API) {
		a.docsPrefix = prefix
	}
}

func WithClock(now func() time.Time) Option {
	return func(a *API) {
		a.now = now
	}
}

// New creates a new API instance.
func New(accounts *account.Service, sessions *session.Manager, signer *assertion.Signer, opts ...Option) *API {
	a := &API{
		accounts:     accounts,
		sessions:     sessions,
		signer:       signer,
		assertionTTL: assertion.DefaultTTL,
		docsPrefix:   "/api",
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.logger == nil {
		a.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	a.audit = newAuditLogger(a.logger, newMetricsCollector(a.alertFn, a.now))

	a.signinLimiter = newBackoffLimiter(signinLimits, a.now)
	a.signinIPLimiter = newBackoffLimiter(signinIPLimits, a.now)
	a.signinGlobalLimiter = newWindowLimiter(signinGlobalLimits, a.now)
	a.signupIPLimiter = newBackoffLimiter(signupIPLimits, a.now)
	a.signupGlobalLimiter = newWindowLimiter(signupGlobalLimits, a.now)
	return a
}

// Router returns a chi.Router with all API routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: a.docsPrefix + "/openapi.yaml",
		Path:    strings.TrimLeft(a.docsPrefix, "/") + "/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: a.docsPrefix + "/openapi.yaml",
		Path:    strings.TrimLeft(a.docsPrefix, "/") + "/redoc",
	}, nil))

	r.Route("/auth", func(r chi.Router) {
		r.Post("/signup", a.SignUp)
		r.Post("/signin", a.SignIn)

		r.Group(func(r chi.Router) {
			r.Use(a.Guard(Authenticated))
			r.Get("/me", a.Me)
			r.Post("/signout", a.SignOut)
			r.Post("/signout/all", a.SignOutAll)
			r.Get("/sessions", a.ListSessions)
		})
	})

	r.Route("/users", func(r chi.Router) {
		r.Use(a.Guard(AdminOnly))
		r.Get("/", a.ListUsers)
		r.Put("/{userID}/role", a.SetUserRole)
		r.Delete("/{userID}", a.DeleteUser)
	})

	r.Get("/invites/{inviteID}", a.GetInvite)
	r.Group(func(r chi.Router) {
		r.Use(a.Guard(AdminOnly))
		r.Get("/invites", a.ListInvites)
		r.Post("/invites", a.CreateInvite)
		r.Delete("/invites/{inviteID}", a.DeleteInvite)
	})

	return r
}
