package middleware

import (
	"encoding/json"
	"time"

	"github.com/fblgit/claudebench/internal/bferrors"
	"github.com/fblgit/claudebench/internal/domain"
	"github.com/fblgit/claudebench/internal/kv"
	"github.com/fblgit/claudebench/internal/registry"
)

// WithAudit returns a stage that appends one AuditEntry per dispatch
// to the shared audit stream, classifying the outcome the same way
// spec.md section 4.5 classifies circuit failures (success, failure,
// blocked for a rejection, timeout). Grounded on
// control_plane/scheduler/types.go's SchedulingDecision structured-log
// record, here made durable via XADD instead of just logged.
func WithAudit(store kv.Store) Stage {
	return func(d registry.Descriptor, next registry.Handler) registry.Handler {
		return func(c *registry.Context, params json.RawMessage) (interface{}, error) {
			res, err := next(c, params)

			entry := domain.AuditEntry{
				Action:    d.Event,
				Actor:     actorOf(c),
				Resource:  c.EventType,
				Timestamp: time.Now().UTC(),
			}
			switch {
			case err == nil:
				entry.Result = domain.AuditSuccess
			default:
				switch bferrors.Classify(err) {
				case bferrors.ClassTimeout:
					entry.Result = domain.AuditTimeout
				case bferrors.ClassNone:
					entry.Result = domain.AuditBlocked
				default:
					entry.Result = domain.AuditFailure
				}
				entry.Reason = err.Error()
			}

			values := map[string]string{
				"action":    entry.Action,
				"actor":     entry.Actor,
				"resource":  entry.Resource,
				"result":    string(entry.Result),
				"reason":    entry.Reason,
				"eventId":   c.EventID,
				"timestamp": entry.Timestamp.Format(time.RFC3339Nano),
			}
			_, _ = store.XAdd(c.Context, kv.AuditStreamKey, 50000, values)

			return res, err
		}
	}
}
