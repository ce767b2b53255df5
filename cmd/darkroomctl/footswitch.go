package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// ============================================================================
// Footswitch input
// ============================================================================
// USB footswitches and pedal boards enumerate as Linux keyboards under
// /dev/input. The reader translates key presses into daemon events so an
// operator with both hands under the enlarger can start/stop exposures and
// flip the safelight without touching anything else.
// ============================================================================

// inputEvent mirrors the Linux input event structure
// struct input_event { struct timeval time; __u16 type; __u16 code; __s32 value; };
type inputEvent struct {
	Sec   int64
	Usec  int64
	Type  uint16
	Code  uint16
	Value int32
}

// runFootswitch opens the configured input devices and translates pedal
// presses into events until ctx is cancelled or a device fails. Key repeats
// and releases are ignored; a pedal held down is still one press.
func runFootswitch(ctx context.Context, cfg FootswitchConfig, events chan<- Event, logger *slog.Logger) error {
	files := make([]*os.File, 0, len(cfg.Devices))
	for _, dev := range cfg.Devices {
		f, err := os.Open(ExpandPath(dev))
		if err != nil {
			return fmt.Errorf("open input device %s: %w (tip: run as root or add user to 'input' group)", dev, err)
		}
		defer f.Close()
		files = append(files, f)
	}

	raw := make(chan inputEvent, 64)
	readErr := make(chan error, 1)
	go readInputEvents(ctx, files, raw, readErr)

	logger.Info("footswitch listening",
		"devices", cfg.Devices,
		"expose_key", cfg.ExposeKey,
		"safelight_key", cfg.SafelightKey)

	for {
		select {
		case <-ctx.Done():
			return nil

		case err := <-readErr:
			return fmt.Errorf("footswitch reader stopped: %w", err)

		case ev := <-raw:
			if ev.Type != evKey || ev.Value != evValuePress {
				continue
			}
			switch int(ev.Code) {
			case cfg.ExposeKey:
				events <- FootswitchPressed{}
			case cfg.SafelightKey:
				events <- ToggleSafelight{}
			}
		}
	}
}
