// Package metrics holds the Prometheus collectors for the moderation core.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CasesRecorded counts ledger entries by action kind.
	CasesRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zealot_cases_recorded_total",
		Help: "Total number of case records appended to the ledger",
	}, []string{"action_kind"})

	// CaseAllocationRetries counts case number allocations retried after a conflict.
	CaseAllocationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zealot_case_allocation_retries_total",
		Help: "Total number of case number allocations retried after a write conflict",
	})

	// ReversalsExecuted counts deferred reversals executed and retired.
	ReversalsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zealot_reversals_executed_total",
		Help: "Total number of deferred reversals executed",
	}, []string{"action_kind"})

	// ReversalsFailed counts reversal attempts left in place for retry.
	ReversalsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zealot_reversals_failed_total",
		Help: "Total number of deferred reversal attempts that failed",
	}, []string{"action_kind"})

	// SchedulerTickErrors counts poll ticks that failed before processing entries.
	SchedulerTickErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "zealot_scheduler_tick_errors_total",
		Help: "Total number of scheduler ticks aborted by a store error",
	})

	// PermissionDecisions counts gate outcomes.
	PermissionDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zealot_permission_decisions_total",
		Help: "Total number of permission decisions by outcome",
	}, []string{"outcome"})

	// EvidenceIngestFailures counts discarded evidence by failing stage.
	EvidenceIngestFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "zealot_evidence_ingest_failures_total",
		Help: "Total number of evidence attachments discarded during ingestion",
	}, []string{"stage"})
)

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve exposes /metrics on addr until ctx is cancelled.
func Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("metrics server listening", "module", "metrics", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
