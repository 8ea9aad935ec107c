//go:build linux

package platform

import (
	"context"
	"fmt"
	"path/filepath"
	"syscall"
)

const (
	accessR = 0x4
	accessW = 0x2
)

// devicePermissions checks that the capture device nodes exist and that the
// process may open them. Linux has no prompt; access is group membership.
type devicePermissions struct {
	videoGlob string
	audioDir  string
}

func defaultPermissions() Permissions {
	return &devicePermissions{videoGlob: "/dev/video*", audioDir: "/dev/snd"}
}

func (p *devicePermissions) Request(ctx context.Context, req Request) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if req.Video {
		nodes, _ := filepath.Glob(p.videoGlob)
		if len(nodes) == 0 {
			return fmt.Errorf("%w: no video devices match %s", ErrPermissionDenied, p.videoGlob)
		}
		if !anyAccessible(nodes, accessR|accessW) {
			return fmt.Errorf("%w: video devices not accessible (is the user in the video group?)", ErrPermissionDenied)
		}
	}
	if req.Audio {
		if err := syscall.Access(p.audioDir, accessR); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrPermissionDenied, p.audioDir, err)
		}
	}
	return nil
}

func anyAccessible(paths []string, mode uint32) bool {
	for _, path := range paths {
		if syscall.Access(path, mode) == nil {
			return true
		}
	}
	return false
}
