// Package rerr defines the tagged error kinds a table-reader worker can
// produce, and the stop reasons a worker surfaces to its supervisor.
// Kinds are sentinel errors wrapped with github.com/cockroachdb/errors
// so that context (batch id, table, timing) can be attached with
// Wrapf/WithDetail while still satisfying errors.Is against the kind.
package rerr

import (
	"github.com/cockroachdb/errors"
)

// Kind classifies a failure the way the state machine needs to dispatch
// on it: whether it feeds the page-size optimizer, whether it counts
// against the successive-failure backoff, and whether it is fatal to
// the worker.
type Kind int

const (
	// KindUnknown is what KindOf returns for an error (or nil) that
	// carries none of this package's sentinels.
	KindUnknown Kind = iota
	// KindQueryTimeout means a fetch query exceeded its per-query
	// timeout budget. Feeds the optimizer, does not count as a failure.
	KindQueryTimeout
	// KindTransientDB is a recoverable database error unrelated to
	// timing. Increments the failure count and triggers backoff.
	KindTransientDB
	// KindPayloadTooLarge is returned by the SMS push when a batch
	// exceeds its size limit. Retried with bounded exponential backoff.
	KindPayloadTooLarge
	// KindSMSFatal is an unrecoverable SMS error. Stops the worker.
	KindSMSFatal
	// KindSlotNotFound means the replication slot backing this backfill
	// does not exist. Unrecoverable configuration error.
	KindSlotNotFound
	// KindStaleBatch means the CDC stream advanced past an in-flight
	// batch's watermark bracket before it was flushed.
	KindStaleBatch
	// KindBackfillDeactivated means the backfill was turned off by an
	// operator or the registry.
	KindBackfillDeactivated
	// KindConsumerMissing means the consumer record backing this
	// backfill disappeared.
	KindConsumerMissing
	// KindSMSDown means the Slot Message Store process died.
	KindSMSDown
)

func (k Kind) String() string {
	switch k {
	case KindQueryTimeout:
		return "query-timeout"
	case KindTransientDB:
		return "transient-db-error"
	case KindPayloadTooLarge:
		return "sms-payload-too-large"
	case KindSMSFatal:
		return "sms-fatal"
	case KindSlotNotFound:
		return "slot-not-found"
	case KindStaleBatch:
		return "stale-batch"
	case KindBackfillDeactivated:
		return "backfill-deactivated"
	case KindConsumerMissing:
		return "consumer-missing"
	case KindSMSDown:
		return "sms-down"
	default:
		return "unknown"
	}
}

// sentinels let callers use errors.Is(err, rerr.QueryTimeout) etc.
// without reaching into the Kind() accessor.
var (
	QueryTimeout        = errors.New("query-timeout")
	TransientDB         = errors.New("transient-db-error")
	PayloadTooLarge     = errors.New("sms-payload-too-large")
	SMSFatal            = errors.New("sms-fatal")
	SlotNotFound        = errors.New("slot-not-found")
	StaleBatch          = errors.New("stale-batch")
	BackfillDeactivated = errors.New("backfill-deactivated")
	ConsumerMissing     = errors.New("consumer-missing")
	SMSDown             = errors.New("sms-down")
)

var kindToSentinel = map[Kind]error{
	KindQueryTimeout:        QueryTimeout,
	KindTransientDB:         TransientDB,
	KindPayloadTooLarge:     PayloadTooLarge,
	KindSMSFatal:            SMSFatal,
	KindSlotNotFound:        SlotNotFound,
	KindStaleBatch:          StaleBatch,
	KindBackfillDeactivated: BackfillDeactivated,
	KindConsumerMissing:     ConsumerMissing,
	KindSMSDown:             SMSDown,
}

// New wraps msg as an error of the given Kind, annotated with args via
// Wrapf-style formatting.
func New(kind Kind, format string, args ...interface{}) error {
	sentinel, ok := kindToSentinel[kind]
	if !ok {
		sentinel = errors.New(kind.String())
	}
	return errors.Wrapf(sentinel, format, args...)
}

// Is reports whether err is of the given Kind.
func Is(err error, kind Kind) bool {
	sentinel, ok := kindToSentinel[kind]
	if !ok {
		return false
	}
	return errors.Is(err, sentinel)
}

// KindOf returns the Kind of err, or KindUnknown if err does not carry
// one of the sentinels in this package.
func KindOf(err error) Kind {
	for kind, sentinel := range kindToSentinel {
		if errors.Is(err, sentinel) {
			return kind
		}
	}
	return KindUnknown
}

// IsFatal reports whether a Kind always terminates the worker rather
// than being recovered locally via backoff.
func (k Kind) IsFatal() bool {
	switch k {
	case KindSMSFatal, KindSlotNotFound, KindStaleBatch,
		KindBackfillDeactivated, KindConsumerMissing, KindSMSDown:
		return true
	default:
		return false
	}
}

// StopReason is the distinguishable reason a worker reports to its
// supervisor on exit.
type StopReason string

const (
	StopNormal              StopReason = "finished"
	StopStaleBatch           StopReason = "stale_batch"
	StopBackfillDeactivated  StopReason = "backfill_deactivated"
	StopConsumerMissing      StopReason = "consumer_missing"
	StopSMSDown              StopReason = "sms_down"
	StopSMSFatal             StopReason = "sms_fatal"
	StopSlotNotFound         StopReason = "slot_not_found"
	StopDuplicateFlush       StopReason = "duplicate_flush"
)

// StopReasonFor maps an error's Kind to the StopReason a worker should
// exit with. Returns ("", false) for recoverable kinds.
func StopReasonFor(err error) (StopReason, bool) {
	switch KindOf(err) {
	case KindStaleBatch:
		return StopStaleBatch, true
	case KindBackfillDeactivated:
		return StopBackfillDeactivated, true
	case KindConsumerMissing:
		return StopConsumerMissing, true
	case KindSMSDown:
		return StopSMSDown, true
	case KindSMSFatal:
		return StopSMSFatal, true
	case KindSlotNotFound:
		return StopSlotNotFound, true
	default:
		return "", false
	}
}
