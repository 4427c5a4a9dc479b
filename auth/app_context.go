package auth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/cameronmore/go-exams/identity"
	"github.com/cameronmore/go-exams/pipeline"
	"github.com/cameronmore/go-exams/sessions"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
)

const (
	maxUsernameLength = 150

	homeAfterLogin = "/exams/"
	loginPath      = "/login/"
)

// An authentication manager that handles registering, logging in and logging out users on top of the request pipeline.
type AuthContext struct {
	Users   sessions.UserStore
	Limiter *LoginLimiter
	log     zerolog.Logger
}

// Returns a new AuthContext given a user store and an optional login limiter.
func NewAuthContext(users sessions.UserStore, limiter *LoginLimiter, log zerolog.Logger) *AuthContext {
	return &AuthContext{
		Users:   users,
		Limiter: limiter,
		log:     log.With().Str("component", "auth").Logger(),
	}
}

// Handles the registration form. GET returns the form context; POST creates the user and logs them in.
//
// The expected request is a form with the fields username, password1 and password2.
func (ac *AuthContext) RegisterHandler(w http.ResponseWriter, r *http.Request) error {
	rc := pipeline.FromRequest(r)
	if rc.Identity.IsAuthenticated() {
		return pipeline.Redirect(w, r, homeAfterLogin)
	}
	if r.Method != http.MethodPost {
		return pipeline.Render(w, r, http.StatusOK, map[string]any{"form": "register"})
	}

	username := strings.TrimSpace(r.PostFormValue("username"))
	password := r.PostFormValue("password1")

	var problems []string
	switch {
	case username == "":
		problems = append(problems, "username is required")
	case len(username) > maxUsernameLength:
		problems = append(problems, "username is too long")
	}
	if password != r.PostFormValue("password2") {
		problems = append(problems, "passwords do not match")
	}
	hashedPassword, err := HashPassword(password)
	if errors.Is(err, ErrPasswordTooShort) {
		problems = append(problems, fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	} else if err != nil {
		return err
	}
	if len(problems) > 0 {
		rc.Flash("error", "Registration failed, please correct the errors.")
		return pipeline.Render(w, r, http.StatusBadRequest, map[string]any{"form": "register", "errors": problems})
	}

	newUser := sessions.User{
		UserId:         ulid.Make().String(),
		Username:       username,
		HashedPassword: hashedPassword,
	}
	err = ac.Users.SaveUser(r.Context(), newUser)
	if errors.Is(err, sessions.ErrUserAlreadyExists) {
		rc.Flash("error", "Registration failed, please correct the errors.")
		return pipeline.Render(w, r, http.StatusBadRequest, map[string]any{"form": "register", "errors": []string{"username is already taken"}})
	}
	if err != nil {
		return fmt.Errorf("registering %s: %w", username, err)
	}

	rc.Login(newUser)
	ac.log.Info().Str("user_id", newUser.UserId).Msg("user registered")
	rc.Flash("success", fmt.Sprintf("Welcome %s! Your account has been created.", newUser.Username))
	return pipeline.Redirect(w, r, homeAfterLogin)
}

// Handles the login form, answering 401 when the user does not exist or the password is incorrect and 429 when
// the connecting peer has made too many attempts. X-Forwarded-For is not trusted for throttling.
//
// The expected request is a form with the fields username and password; an optional next query parameter names
// the page to return to.
func (ac *AuthContext) LoginHandler(w http.ResponseWriter, r *http.Request) error {
	rc := pipeline.FromRequest(r)
	if rc.Identity.IsAuthenticated() {
		return pipeline.Redirect(w, r, homeAfterLogin)
	}
	if r.Method != http.MethodPost {
		return pipeline.Render(w, r, http.StatusOK, map[string]any{"form": "login", "next": r.URL.Query().Get("next")})
	}

	if !ac.Limiter.Allow(rc.PeerIP) {
		w.Header().Set("Retry-After", "60")
		return pipeline.Render(w, r, http.StatusTooManyRequests, map[string]any{"form": "login", "errors": []string{"too many attempts, try again later"}})
	}

	username, password := r.PostFormValue("username"), r.PostFormValue("password")

	u, err := ac.Users.LoadUserByUsername(r.Context(), username)
	if err != nil && !errors.Is(err, sessions.ErrUserNotFound) {
		return fmt.Errorf("logging in %s: %w", username, err)
	}
	if err != nil || !passwordIsEquivalent(password, u.HashedPassword) {
		ac.log.Info().Str("username", username).Str("ip", rc.PeerIP).Msg("failed login")
		rc.Flash("error", "Incorrect username or password.")
		return pipeline.Render(w, r, http.StatusUnauthorized, map[string]any{"form": "login"})
	}

	ac.Limiter.Reset(rc.PeerIP)
	rc.Login(u)
	rc.Flash("success", fmt.Sprintf("Welcome back %s!", u.Username))
	return pipeline.Redirect(w, r, safeNext(r.URL.Query().Get("next")))
}

// Logs out a user by flushing the session. There is no expected request body for this endpoint.
func (ac *AuthContext) LogoutHandler(w http.ResponseWriter, r *http.Request) error {
	rc := pipeline.FromRequest(r)
	username := rc.Identity.Username
	if err := rc.Logout(); err != nil {
		return fmt.Errorf("logging out: %w", err)
	}
	rc.Flash("info", fmt.Sprintf("Goodbye %s, see you soon!", username))
	return pipeline.Redirect(w, r, loginPath)
}

// A middleware that sends anonymous visitors to the login page, remembering where they were going.
func (ac *AuthContext) RequireLogin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc := pipeline.FromRequest(r)
		if rc == nil || !rc.Identity.IsAuthenticated() {
			http.Redirect(w, r, loginPath+"?next="+url.QueryEscape(r.URL.RequestURI()), http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// A middleware that only lets staff members through.
func (ac *AuthContext) RequireStaff(next http.Handler) http.Handler {
	return ac.RequireLogin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !pipeline.FromRequest(r).Identity.HasRole(identity.RoleStaff) {
			http.Error(w, "403 Forbidden", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	}))
}

// only same-site absolute paths are followed after login
func safeNext(next string) string {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") || strings.HasPrefix(next, "/\\") {
		return homeAfterLogin
	}
	return next
}
