package relay

// Metrics receives relay instrumentation events. Implementations must be safe
// for concurrent use.
type Metrics interface {
	ConnOpened()
	ConnClosed()
	FrameIn(frameType string)
	FanoutDropped()
	BusError()
	PersistError()
}

// NopMetrics discards all events.
type NopMetrics struct{}

func (NopMetrics) ConnOpened()        {}
func (NopMetrics) ConnClosed()        {}
func (NopMetrics) FrameIn(string)     {}
func (NopMetrics) FanoutDropped()     {}
func (NopMetrics) BusError()          {}
func (NopMetrics) PersistError()      {}
