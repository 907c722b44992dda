package metrics

type Counter interface {
	Inc()
}

type Metrics struct {
	OrdersPlaced    Counter
	OrdersFailed    Counter
	OrdersCancelled Counter
	FillsRecorded   Counter
	MirrorsPlaced   Counter
	Conflicts       Counter
	CyclesRun       Counter
	GridsPaused     Counter
}

type noopCounter struct{}

func (noopCounter) Inc() {}

func NewNoop() *Metrics {
	n := noopCounter{}
	return &Metrics{
		OrdersPlaced:    n,
		OrdersFailed:    n,
		OrdersCancelled: n,
		FillsRecorded:   n,
		MirrorsPlaced:   n,
		Conflicts:       n,
		CyclesRun:       n,
		GridsPaused:     n,
	}
}
