// Package portaudio binds the [audio.Microphone] and [audio.Output]
// interfaces to the host's default devices through PortAudio.
//
// Call [Initialize] once before opening any device and [Terminate] on
// shutdown.
package portaudio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// Initialize initialises the PortAudio subsystem.
func Initialize() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}
	return nil
}

// Terminate releases the PortAudio subsystem.
func Terminate() error {
	if err := portaudio.Terminate(); err != nil {
		return fmt.Errorf("portaudio: terminate: %w", err)
	}
	return nil
}
