// Package metrics holds docqa's Prometheus collectors. Provider, cache and
// pipeline collectors are registered explicitly from main; HTTP collectors
// register on import.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "docqa"

var registerOnce sync.Once

// Register registers every non-HTTP collector with the default registry.
// Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			EmbeddingRequestsTotal,
			EmbeddingRequestDuration,
			EmbeddingTokensTotal,
			EmbeddingErrorsTotal,
			GenerationRequestsTotal,
			GenerationRequestDuration,
			GenerationTokensTotal,
			CacheResultsTotal,
			QueriesTotal,
			StageDuration,
			RetriesTotal,
		)
	})
}
