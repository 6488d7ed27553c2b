package audio_test

import (
	"testing"
	"time"

	"github.com/MrWong99/livesight/pkg/audio"
)

func TestDrain(t *testing.T) {
	ch := make(chan int)
	produced := make(chan struct{})
	go func() {
		defer close(produced)
		for i := range 10 {
			ch <- i
		}
		close(ch)
	}()

	audio.Drain(ch)

	select {
	case <-produced:
	case <-time.After(time.Second):
		t.Fatal("producer still blocked after Drain returned")
	}
}
