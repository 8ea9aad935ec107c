// Package platform gates capture behind the host's permission model.
package platform

import (
	"context"
	"errors"
)

var ErrPermissionDenied = errors.New("capture permission denied")

// Request names the capture kinds an application needs.
type Request struct {
	Audio bool
	Video bool
}

// Permissions asks the platform for capture access. Request may block, for
// example on a user prompt, and must honour ctx.
type Permissions interface {
	Request(ctx context.Context, req Request) error
}

// PermissionsFunc adapts a function to Permissions.
type PermissionsFunc func(ctx context.Context, req Request) error

func (f PermissionsFunc) Request(ctx context.Context, req Request) error { return f(ctx, req) }

// Granted approves every request.
var Granted Permissions = PermissionsFunc(func(ctx context.Context, _ Request) error {
	return ctx.Err()
})

// Default returns the permission check for the running platform.
func Default() Permissions {
	return defaultPermissions()
}
