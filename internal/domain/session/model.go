package session

import (
	"context"
	"time"

	"github.com/rpggio/fieldsync/internal/domain/report"
)

// Session is the logged-in cloud user.
type Session struct {
	Username   string    `json:"username"`
	Token      string    `json:"-"`
	LoggedInAt time.Time `json:"logged_in_at"`
}

// LoginHook runs after a user logs in.
type LoginHook func(ctx context.Context, sess Session) error

// LogoutHook runs after the user logs out.
type LogoutHook func(ctx context.Context) error

// DeviceHook runs when a physical device connects.
type DeviceHook func(ctx context.Context, link report.DeviceLink) error

type named[T any] struct {
	name string
	fn   T
}
