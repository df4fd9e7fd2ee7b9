package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/rpggio/fieldsync/internal/domain/report"
)

// Registry holds the current login and the hooks other services register
// for login, logout and device connection. Hooks run in registration order;
// a failing hook is logged and does not stop the others.
type Registry struct {
	connectivity *Connectivity
	logger       *slog.Logger

	mu      sync.RWMutex
	current *Session
	login   []named[LoginHook]
	logout  []named[LogoutHook]
	devices []named[DeviceHook]
}

// NewRegistry creates a registry. A nil connectivity is treated as always
// online.
func NewRegistry(connectivity *Connectivity, logger *slog.Logger) *Registry {
	if connectivity == nil {
		connectivity = NewConnectivity(true)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Registry{connectivity: connectivity, logger: logger}
}

// OnLogin registers a login hook.
func (r *Registry) OnLogin(name string, hook LoginHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.login = append(r.login, named[LoginHook]{name: name, fn: hook})
}

// OnLogout registers a logout hook.
func (r *Registry) OnLogout(name string, hook LogoutHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logout = append(r.logout, named[LogoutHook]{name: name, fn: hook})
}

// OnDeviceConnect registers a device connection hook.
func (r *Registry) OnDeviceConnect(name string, hook DeviceHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices = append(r.devices, named[DeviceHook]{name: name, fn: hook})
}

// Login starts a session and runs the login hooks.
func (r *Registry) Login(ctx context.Context, username, token string) (*Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidInput)
	}
	sess := Session{Username: username, Token: token, LoggedInAt: time.Now()}

	r.mu.Lock()
	r.current = &sess
	hooks := append([]named[LoginHook](nil), r.login...)
	r.mu.Unlock()

	r.logger.Info("logged in", "username", username)
	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx, sess); err != nil {
			r.logger.Warn("login hook failed", "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	out := sess
	return &out, errors.Join(errs...)
}

// Logout ends the session and runs the logout hooks.
func (r *Registry) Logout(ctx context.Context) error {
	r.mu.Lock()
	r.current = nil
	hooks := append([]named[LogoutHook](nil), r.logout...)
	r.mu.Unlock()

	r.logger.Info("logged out")
	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx); err != nil {
			r.logger.Warn("logout hook failed", "hook", h.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// DeviceConnected runs the device hooks for a newly connected device.
func (r *Registry) DeviceConnected(ctx context.Context, link report.DeviceLink) error {
	r.mu.RLock()
	hooks := append([]named[DeviceHook](nil), r.devices...)
	r.mu.RUnlock()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx, link); err != nil {
			r.logger.Warn("device hook failed", "hook", h.name, "device", link.Slug(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", h.name, err))
		}
	}
	return errors.Join(errs...)
}

// Current returns the active session.
func (r *Registry) Current() (Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return Session{}, ErrNotAuthenticated
	}
	return *r.current, nil
}

// Token returns the bearer token of the session, empty when logged out.
func (r *Registry) Token() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.current == nil {
		return ""
	}
	return r.current.Token
}

// IsAuthenticated reports whether a user is logged in.
func (r *Registry) IsAuthenticated() bool {
	return r.Token() != ""
}

// IsOnline reports the network status.
func (r *Registry) IsOnline() bool {
	return r.connectivity.IsOnline()
}

// Connectivity returns the network status tracker.
func (r *Registry) Connectivity() *Connectivity {
	return r.connectivity
}

var _ report.Status = (*Registry)(nil)
