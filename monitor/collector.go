package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"tilemux/wksp"
)

const namespace = "tilemux"

var (
	descSignal = prometheus.NewDesc(namespace+"_cnc_signal",
		"Current cnc signal (0 run, 1 boot, 2 fail, 3 halt).", []string{"cnc"}, nil)
	descHeartbeat = prometheus.NewDesc(namespace+"_cnc_heartbeat_seconds",
		"Last heartbeat written by the tile, unix seconds.", []string{"cnc"}, nil)
	descApp = prometheus.NewDesc(namespace+"_cnc_app",
		"Tile diagnostic word.", []string{"cnc", "word"}, nil)
	descFSeq = prometheus.NewDesc(namespace+"_fseq_seq",
		"Published consumer position.", []string{"fseq"}, nil)
	descFSeqDiag = prometheus.NewDesc(namespace+"_fseq_diag_total",
		"Link diagnostic counter.", []string{"fseq", "diag"}, nil)
	descMCache = prometheus.NewDesc(namespace+"_mcache_seq",
		"Producer's published position.", []string{"mcache"}, nil)
	descVol = prometheus.NewDesc(namespace+"_tile_voluntary_ctxt_switches_total",
		"Voluntary context switches of a tile thread.", []string{"tile", "tid"}, nil)
	descNonvol = prometheus.NewDesc(namespace+"_tile_nonvoluntary_ctxt_switches_total",
		"Involuntary context switches of a tile thread.", []string{"tile", "tid"}, nil)
)

// Collector exports a workspace as Prometheus metrics. Every scrape takes a
// fresh snapshot.
type Collector struct {
	w *wksp.Wksp
}

// NewCollector returns a collector over w.
func NewCollector(w *wksp.Wksp) *Collector { return &Collector{w: w} }

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{descSignal, descHeartbeat, descApp, descFSeq, descFSeqDiag, descMCache, descVol, descNonvol} {
		ch <- d
	}
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := Take(c.w)
	for _, x := range s.CNCs {
		ch <- prometheus.MustNewConstMetric(descSignal, prometheus.GaugeValue, float64(x.Code), x.Name)
		ch <- prometheus.MustNewConstMetric(descHeartbeat, prometheus.GaugeValue, float64(x.Heartbeat)/1e9, x.Name)
		for i, v := range x.App {
			ch <- prometheus.MustNewConstMetric(descApp, prometheus.GaugeValue, float64(v), x.Name, strconv.Itoa(i))
		}
	}
	for _, f := range s.FSeqs {
		ch <- prometheus.MustNewConstMetric(descFSeq, prometheus.GaugeValue, float64(f.Seq), f.Name)
		for name, v := range f.Diag {
			ch <- prometheus.MustNewConstMetric(descFSeqDiag, prometheus.CounterValue, float64(v), f.Name, name)
		}
	}
	for _, m := range s.MCaches {
		ch <- prometheus.MustNewConstMetric(descMCache, prometheus.GaugeValue, float64(m.Seq), m.Name)
	}
	for _, r := range s.Cswitch {
		tid := strconv.Itoa(r.Tid)
		ch <- prometheus.MustNewConstMetric(descVol, prometheus.CounterValue, float64(r.Voluntary), r.Name, tid)
		ch <- prometheus.MustNewConstMetric(descNonvol, prometheus.CounterValue, float64(r.Nonvoluntary), r.Name, tid)
	}
}
