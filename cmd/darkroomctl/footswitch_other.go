//go:build !linux

package main

import (
	"context"
	"errors"
	"os"
)

// Footswitch input depends on the Linux evdev interface.
func readInputEvents(ctx context.Context, files []*os.File, events chan<- inputEvent, readErr chan<- error) {
	readErr <- errors.New("footswitch input is only supported on linux")
}
