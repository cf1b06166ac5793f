package sinks

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/leadforge/leadcrawler/internal/progress"
)

// PrometheusSink exports the progress stream as metrics. It owns the job and
// target collectors.
type PrometheusSink struct {
	jobsSubmitted prometheus.Counter
	jobsFinished  *prometheus.CounterVec

	targetsStarted  prometheus.Counter
	targetsFinished *prometheus.CounterVec
	targetRetries   prometheus.Counter

	leadsEmitted prometheus.Counter
	domainBlocks *prometheus.CounterVec
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		jobsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadcrawler_jobs_submitted_total",
			Help: "Total scraping jobs submitted.",
		}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadcrawler_jobs_finished_total",
			Help: "Total jobs finished partitioned by final status.",
		}, []string{"status"}),
		targetsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadcrawler_targets_started_total",
			Help: "Total target attempts started.",
		}),
		targetsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadcrawler_targets_finished_total",
			Help: "Total targets finished partitioned by terminal status.",
		}, []string{"status"}),
		targetRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadcrawler_target_retries_total",
			Help: "Total target requeues after transient failures or blocks.",
		}),
		leadsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "leadcrawler_leads_emitted_total",
			Help: "Total leads written to the lead store.",
		}),
		domainBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "leadcrawler_domain_blocks_total",
			Help: "Block detections partitioned by domain.",
		}, []string{"domain"}),
	}
	for _, collector := range []prometheus.Collector{
		s.jobsSubmitted,
		s.jobsFinished,
		s.targetsStarted,
		s.targetsFinished,
		s.targetRetries,
		s.leadsEmitted,
		s.domainBlocks,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the collectors from the batch.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageJobSubmitted:
		s.jobsSubmitted.Inc()
	case progress.StageJobDone, progress.StageJobCancelled:
		s.jobsFinished.WithLabelValues(string(evt.JobStatus)).Inc()
	case progress.StageTargetStarted:
		s.targetsStarted.Inc()
	case progress.StageTargetFinished:
		s.targetsFinished.WithLabelValues(string(evt.TargetStatus)).Inc()
		if evt.LeadsEmitted > 0 {
			s.leadsEmitted.Add(float64(evt.LeadsEmitted))
		}
	case progress.StageTargetRequeued:
		s.targetRetries.Inc()
		if evt.LeadsEmitted > 0 {
			s.leadsEmitted.Add(float64(evt.LeadsEmitted))
		}
	case progress.StageDomainBlocked:
		s.domainBlocks.WithLabelValues(evt.Domain).Inc()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}
