package audio

// Drain reads from ch until the channel is closed, discarding all values. Use
// it to let a producer goroutine finish when the consumer no longer wants the
// data, e.g. unread session events after a console closes.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
