package service

import (
	"context"
	"sort"
	"time"
)

const (
	healthOK       = "ok"
	healthDegraded = "degraded"

	healthProbeTimeout = 2 * time.Second
)

// HealthReport describes whether the judge can accept and grade jobs.
type HealthReport struct {
	Status        string            `json:"status"`
	PoolCapacity  int               `json:"poolCapacity"`
	PoolAvailable int               `json:"poolAvailable"`
	Running       int               `json:"running"`
	Queue         string            `json:"queue"`
	Cache         string            `json:"cache,omitempty"`
	Languages     []string          `json:"languages"`
	Toolchains    map[string]string `json:"toolchains"`
}

// Healthy reports whether every probe passed.
func (h HealthReport) Healthy() bool {
	return h.Status == healthOK
}

// Health probes the queue, the cache and every toolchain binary.
func (d *Dispatcher) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:        healthOK,
		PoolCapacity:  d.pool.Capacity(),
		PoolAvailable: d.pool.Available(),
		Running:       d.Running(),
		Toolchains:    make(map[string]string),
	}

	ctxProbe, cancel := context.WithTimeout(ctx, healthProbeTimeout)
	defer cancel()
	report.Queue = probe(ctxProbe, d.queue)
	if report.Queue != healthOK {
		report.Status = healthDegraded
	}
	if d.cache != nil {
		report.Cache = probe(ctxProbe, d.cache)
		if report.Cache != healthOK {
			report.Status = healthDegraded
		}
	}

	for lang, bins := range d.languages.Toolchains() {
		report.Languages = append(report.Languages, lang)
		for _, bin := range bins {
			if _, ok := report.Toolchains[bin]; ok {
				continue
			}
			if _, err := d.cfg.LookPath(bin); err != nil {
				report.Toolchains[bin] = err.Error()
				report.Status = healthDegraded
				continue
			}
			report.Toolchains[bin] = healthOK
		}
	}
	sort.Strings(report.Languages)
	return report
}

func probe(ctx context.Context, p Pinger) string {
	if err := p.Ping(ctx); err != nil {
		return err.Error()
	}
	return healthOK
}
