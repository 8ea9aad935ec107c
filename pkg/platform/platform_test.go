package platform

import (
	"context"
	"errors"
	"testing"
)

func TestGranted(t *testing.T) {
	if err := Granted.Request(context.Background(), Request{Audio: true, Video: true}); err != nil {
		t.Errorf("Granted.Request() = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Granted.Request(ctx, Request{Video: true}); !errors.Is(err, context.Canceled) {
		t.Errorf("Granted.Request(cancelled) = %v, want context.Canceled", err)
	}
}

func TestPermissionsFunc(t *testing.T) {
	var got Request
	p := PermissionsFunc(func(_ context.Context, req Request) error {
		got = req
		return ErrPermissionDenied
	})

	err := p.Request(context.Background(), Request{Video: true})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("Request() = %v, want ErrPermissionDenied", err)
	}
	if !got.Video || got.Audio {
		t.Errorf("request = %+v", got)
	}
}

func TestDefault_EmptyRequest(t *testing.T) {
	if err := Default().Request(context.Background(), Request{}); err != nil {
		t.Errorf("Default().Request(empty) = %v", err)
	}
}
