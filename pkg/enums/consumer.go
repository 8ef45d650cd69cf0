package enums

import "fmt"

// ConsumerMode selects the handler table of a projection consumer.
type ConsumerMode string

const (
	ModeOnline  ConsumerMode = "online"
	ModeRestore ConsumerMode = "restore"
)

func (m ConsumerMode) IsValid() bool {
	return m == ModeOnline || m == ModeRestore
}

func ParseConsumerMode(value string) (ConsumerMode, error) {
	mode := ConsumerMode(value)
	if !mode.IsValid() {
		return "", fmt.Errorf("invalid consumer mode %q", value)
	}
	return mode, nil
}

// EvictionReason labels why the transaction buffer dropped an open transaction.
type EvictionReason string

const (
	EvictionTTL      EvictionReason = "ttl"
	EvictionCapacity EvictionReason = "capacity"
	EvictionEventCap EvictionReason = "event_cap"
)

// DeadLetterReason labels a projection dead letter row.
type DeadLetterReason string

const (
	DeadLetterUnsupportedEvent DeadLetterReason = "unsupported_event"
	DeadLetterEvictedTTL       DeadLetterReason = "tx_evicted_ttl"
	DeadLetterEvictedCapacity  DeadLetterReason = "tx_evicted_capacity"
	DeadLetterEvictedEventCap  DeadLetterReason = "tx_evicted_event_cap"
)

// DeadLetterReasonForEviction maps an eviction to its dead letter reason.
func DeadLetterReasonForEviction(reason EvictionReason) DeadLetterReason {
	switch reason {
	case EvictionCapacity:
		return DeadLetterEvictedCapacity
	case EvictionEventCap:
		return DeadLetterEvictedEventCap
	default:
		return DeadLetterEvictedTTL
	}
}

// EvictionDeadLetterReasons lists the reasons of events withheld because
// their business transaction was evicted.
func EvictionDeadLetterReasons() []DeadLetterReason {
	return []DeadLetterReason{DeadLetterEvictedTTL, DeadLetterEvictedCapacity, DeadLetterEvictedEventCap}
}
