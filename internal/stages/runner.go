package stages

import (
	"context"

	"audiobook-pipeline/internal/models"
)

// Heartbeat extends the visibility lease of the running job. Long stages call
// it between units of work so the queue never redelivers a live job.
type Heartbeat func(ctx context.Context) error

// Runner is the contract every pipeline stage implements: given a book and
// the stage's input payload, produce the next stage's input payload or fail
// with a classified *Error. Runners must be idempotent for the same input —
// re-running after a redelivery must not corrupt previously produced output.
type Runner interface {
	Stage() models.Stage
	Run(ctx context.Context, book models.Book, job models.Job, beat Heartbeat) (map[string]any, error)
}

func payloadString(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// payloadStrings tolerates both []string (in-process) and []any (after a JSON
// round trip through the job store).
func payloadStrings(p map[string]any, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
