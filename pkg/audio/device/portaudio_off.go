//go:build !portaudio

package device

import "fmt"

func newPortAudio(Config) (Microphone, Speaker, error) {
	return nil, nil, fmt.Errorf("%w: built without portaudio support (rebuild with -tags portaudio)", ErrUnavailable)
}
