package lps

import "github.com/prometheus/client_golang/prometheus"

// RegisterMetrics registers the driver's observables with a Prometheus
// registerer: the running mode, the discovery flag and the anchor ranging
// state bitfield. These mirror the scalar telemetry slots the surrounding
// firmware traditionally exposes.
func (d *Driver) RegisterMetrics(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "loco",
			Name:      "ranging_mode",
			Help:      "Currently running ranging mode (1=TWR, 2=TDoA2, 3=TDoA3).",
		}, func() float64 {
			return float64(d.CurrentMode())
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "loco",
			Name:      "mode_detected",
			Help:      "Whether automatic discovery has locked in an algorithm.",
		}, func() float64 {
			if d.Detected() {
				return 1
			}
			return 0
		}),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "loco",
			Name:      "ranging_state",
			Help:      "Bitfield of anchors the active algorithm is ranging with.",
		}, func() float64 {
			return float64(d.RangingState())
		}),
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
