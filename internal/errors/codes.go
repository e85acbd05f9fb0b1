// Package errors provides structured error handling for llc.
//
// Every non-OK path in the service maps to a typed issue code that is
// surfaced on the response envelope or recorded against the owning job.
// Codes carry a remediation hint so failures are actionable from the
// calling agent without reading server logs.
package errors

// Code is a machine-readable issue code.
type Code string

// Issue codes surfaced on the response envelope.
const (
	CodeAuthFailed            Code = "AUTH_FAILED"
	CodeContainerNotFound     Code = "CONTAINER_NOT_FOUND"
	CodeInvalidParams         Code = "INVALID_PARAMS"
	CodeBlockedModality       Code = "BLOCKED_MODALITY"
	CodeDuplicateSource       Code = "DUPLICATE_SOURCE"
	CodeRateLimit             Code = "RATE_LIMIT"
	CodeTimeout               Code = "TIMEOUT"
	CodeNoHits                Code = "NO_HITS"
	CodeIngestFail            Code = "INGEST_FAIL"
	CodeVectorDown            Code = "VECTOR_DOWN"
	CodeBM25Down              Code = "BM25_DOWN"
	CodeVectorSkipped         Code = "VECTOR_SKIPPED"
	CodeRerankTimeout         Code = "RERANK_TIMEOUT"
	CodeRerankUnavailable     Code = "RERANK_UNAVAILABLE"
	CodeRerankSkippedNoText   Code = "RERANK_SKIPPED_NO_TEXT"
	CodeRerankSkippedBudget   Code = "RERANK_SKIPPED_BUDGET"
	CodeLatencyBudgetExceeded Code = "LATENCY_BUDGET_EXCEEDED"
	CodeStaleEmbedding        Code = "STALE_EMBEDDING"
	CodeNotImplemented        Code = "NOT_IMPLEMENTED"
)

// Internal dispositions. These classify job and adapter failures; they are
// never returned to callers directly but drive retry policy.
const (
	CodeStoreUnavailable     Code = "STORE_UNAVAILABLE"
	CodeEmbeddingUnavailable Code = "EMBEDDING_UNAVAILABLE"
	CodeInvariantViolation   Code = "INVARIANT_VIOLATION"
	CodeInternal             Code = "INTERNAL"
)

// retryableCodes are transient failures that callers (and the job queue)
// may retry with backoff.
var retryableCodes = map[Code]bool{
	CodeStoreUnavailable:     true,
	CodeEmbeddingUnavailable: true,
	CodeVectorDown:           true,
	CodeBM25Down:             true,
	CodeRateLimit:            true,
	CodeTimeout:              true,
}

// remediations maps codes to default remediation hints. Callers can
// override via WithRemediation.
var remediations = map[Code]string{
	CodeContainerNotFound:     "list containers to verify the id or slug",
	CodeInvalidParams:         "check parameter types and ranges against the tool schema",
	CodeBlockedModality:       "verify modality allowed by the container manifest",
	CodeDuplicateSource:       "source already ingested; use a refresh job to re-embed",
	CodeRateLimit:             "reduce request rate or raise embedding.rate_per_min",
	CodeTimeout:               "retry with a larger timeout_ms or narrower target set",
	CodeNoHits:                "broaden query or relax filters",
	CodeIngestFail:            "inspect jobs/<id> for the failing stage",
	CodeVectorDown:            "vector store unreachable; results are sparse-only",
	CodeBM25Down:              "full-text store unreachable; results are dense-only",
	CodeVectorSkipped:         "embedding unavailable; query served in bm25 mode",
	CodeRerankSkippedBudget:   "raise latency_budget_ms or disable rerank",
	CodeRerankSkippedNoText:   "rerank requires a text query",
	CodeLatencyBudgetExceeded: "raise latency_budget_ms or reduce target containers",
	CodeStoreUnavailable:      "transient store error; the operation will be retried",
	CodeEmbeddingUnavailable:  "check the embedding provider endpoint",
	CodeInvariantViolation:    "non-retryable schema violation; inspect the job error",
}

// IsRetryableCode reports whether a code represents a transient failure.
func IsRetryableCode(code Code) bool {
	return retryableCodes[code]
}

// RemediationFor returns the default remediation hint for a code.
func RemediationFor(code Code) string {
	return remediations[code]
}
