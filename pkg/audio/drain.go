package audio

// Drain reads from ch until it is closed, discarding every value. Use it to
// let a producer that blocks on a full channel run to completion once its
// consumer has stopped.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
