package main

import (
	"math"
	"sync"
	"time"

	"github.com/gopxl/beep"
	"github.com/gopxl/beep/speaker"
)

// ============================================================================
// Beeper - countdown audio feedback
// ============================================================================
// Darkrooms are operated by ear as much as by eye: while loading paper the
// operator can't watch a display, so the countdown ticks audibly and the
// exposure boundary gets a distinct longer tone. Tones are synthesized sine
// bursts; no sample assets to ship.
// ============================================================================

const beeperSampleRate = beep.SampleRate(44100)

// Beeper plays countdown tones. Satisfied by SpeakerBeeper; tests substitute
// a recording double.
type Beeper interface {
	Play(tone BeepTone)
}

// SpeakerBeeper renders tones through the system audio device.
type SpeakerBeeper struct {
	mu          sync.Mutex
	mixer       *beep.Mixer
	initialized bool
	volume      float64
}

// NewSpeakerBeeper builds an uninitialized beeper. Call Initialize before
// use; a beeper that failed to initialize silently drops tones so a headless
// box still works.
func NewSpeakerBeeper(volume float64) *SpeakerBeeper {
	if volume <= 0 || volume > 1 {
		volume = 0.5
	}
	return &SpeakerBeeper{
		mixer:  &beep.Mixer{},
		volume: volume,
	}
}

// Initialize opens the audio device.
func (b *SpeakerBeeper) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.initialized {
		return nil
	}
	if err := speaker.Init(beeperSampleRate, beeperSampleRate.N(time.Millisecond*50)); err != nil {
		return err
	}
	speaker.Play(b.mixer)
	b.initialized = true
	return nil
}

// Cleanup silences and detaches all streamers.
func (b *SpeakerBeeper) Cleanup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return
	}
	b.mixer.Clear()
	b.initialized = false
}

// Play enqueues one tone. Tick is a short high blip, End a longer lower tone
// marking the countdown/exposure boundary.
func (b *SpeakerBeeper) Play(tone BeepTone) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.initialized {
		return
	}

	var freq float64
	var dur time.Duration
	switch tone {
	case ToneEnd:
		freq, dur = 660, 400*time.Millisecond
	default:
		freq, dur = 1320, 60*time.Millisecond
	}

	streamer := beep.Take(
		beeperSampleRate.N(dur),
		newToneGenerator(beeperSampleRate, freq, b.volume, dur),
	)
	speaker.Lock()
	b.mixer.Add(streamer)
	speaker.Unlock()
}

// toneGenerator synthesizes a sine burst with a short attack/release ramp so
// tones start and stop without clicks.
type toneGenerator struct {
	sr      beep.SampleRate
	freq    float64
	volume  float64
	pos     int
	samples int
	ramp    int
}

func newToneGenerator(sr beep.SampleRate, freq, volume float64, dur time.Duration) *toneGenerator {
	return &toneGenerator{
		sr:      sr,
		freq:    freq,
		volume:  volume,
		samples: sr.N(dur),
		ramp:    sr.N(5 * time.Millisecond),
	}
}

func (g *toneGenerator) Stream(samples [][2]float64) (n int, ok bool) {
	for i := range samples {
		t := float64(g.pos) / float64(g.sr)
		sample := g.volume * math.Sin(2*math.Pi*g.freq*t)

		// Linear attack and release ramps.
		if g.pos < g.ramp {
			sample *= float64(g.pos) / float64(g.ramp)
		}
		if left := g.samples - g.pos; left < g.ramp {
			sample *= float64(left) / float64(g.ramp)
		}

		samples[i][0] = sample
		samples[i][1] = sample
		g.pos++
	}
	return len(samples), true
}

func (g *toneGenerator) Err() error {
	return nil
}

// NopBeeper drops all tones. Used when audio is disabled in config or the
// device failed to open.
type NopBeeper struct{}

func (NopBeeper) Play(BeepTone) {}
