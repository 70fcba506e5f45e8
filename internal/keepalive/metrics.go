package keepalive

// Metrics is the narrow observer seam a Pool reports to. A concrete
// implementation (internal/metricsreg) registers these as prometheus
// collectors; tests and callers that don't care about metrics pass nil,
// which every Pool call treats as a no-op sink.
type Metrics interface {
	SetOccupancy(free, cached, inFlight int)
	IncAdmission(result Result)
	SetWaitDepth(depth int)
	IncOverflowReject()
}

type noopMetrics struct{}

func (noopMetrics) SetOccupancy(int, int, int) {}
func (noopMetrics) IncAdmission(Result)        {}
func (noopMetrics) SetWaitDepth(int)           {}
func (noopMetrics) IncOverflowReject()         {}
