package balance

import "sync"

// Predictor forecasts agent utilization with a least-squares line over a
// bounded history of samples.
type Predictor struct {
	mu      sync.Mutex
	size    int
	history map[string][]float64
}

// NewPredictor keeps up to size samples per agent (default 20).
func NewPredictor(size int) *Predictor {
	if size <= 1 {
		size = 20
	}
	return &Predictor{size: size, history: make(map[string][]float64)}
}

// Record appends a utilization sample, dropping the oldest past the limit.
func (p *Predictor) Record(agentID string, utilization float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := append(p.history[agentID], utilization)
	if len(h) > p.size {
		h = h[len(h)-p.size:]
	}
	p.history[agentID] = h
}

// Forget drops an agent's history.
func (p *Predictor) Forget(agentID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.history, agentID)
}

// Samples returns the number of retained samples for agentID.
func (p *Predictor) Samples(agentID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.history[agentID])
}

// Predict extrapolates utilization steps samples ahead, clamped to [0, 1].
// With fewer than two samples it returns the last one (0 when empty) and
// ok is false.
func (p *Predictor) Predict(agentID string, steps int) (float64, bool) {
	p.mu.Lock()
	h := append([]float64(nil), p.history[agentID]...)
	p.mu.Unlock()

	switch len(h) {
	case 0:
		return 0, false
	case 1:
		return clamp01(h[0]), false
	}

	n := float64(len(h))
	var sumX, sumY, sumXY, sumXX float64
	for i, y := range h {
		x := float64(i)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return clamp01(sumY / n), true
	}
	slope := (n*sumXY - sumX*sumY) / denom
	intercept := (sumY - slope*sumX) / n
	x := float64(len(h)-1) + float64(max(steps, 1))
	return clamp01(intercept + slope*x), true
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
