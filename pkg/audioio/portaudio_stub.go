//go:build !portaudio

package audioio

import (
	"errors"
	"log/slog"
)

// PortAudioAvailable reports whether the binary was built with PortAudio.
const PortAudioAvailable = false

var errNoPortAudio = errors.New("audioio: built without portaudio (rebuild with -tags portaudio)")

func newPortAudioSource(cfg Config, logger *slog.Logger) (Source, error) {
	return nil, errNoPortAudio
}

func newPortAudioOutput(cfg Config, logger *slog.Logger) (OutputDevice, error) {
	return nil, errNoPortAudio
}
