package supervisor

// Observer receives supervisor events, typically to update metrics.
// Methods are called from the supervisor loop and must not block.
type Observer interface {
	StateChanged(from, to string)
	TelemetrySent(transport string)
	TelemetryDropped(reason string)
	AlertDelivered(transport string)
	AlertRejected()
	QueueLength(n int)
}

type nopObserver struct{}

func (nopObserver) StateChanged(string, string) {}
func (nopObserver) TelemetrySent(string)        {}
func (nopObserver) TelemetryDropped(string)     {}
func (nopObserver) AlertDelivered(string)       {}
func (nopObserver) AlertRejected()              {}
func (nopObserver) QueueLength(int)             {}
