package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/angelmondragon/eventpipe/pkg/enums"
	"github.com/angelmondragon/eventpipe/pkg/outbox"
)

// DecoderFunc turns an envelope into the consumer's event value.
type DecoderFunc[E any] func(envelope outbox.PayloadEnvelope) (E, error)

type registryKey struct {
	eventType enums.EventType
	version   int
}

// DecoderRegistry stores the versioned decoders a consumer claims. Each event
// type and version may be claimed once.
type DecoderRegistry[E any] struct {
	mtx      sync.RWMutex
	registry map[registryKey]DecoderFunc[E]
}

func NewDecoderRegistry[E any]() *DecoderRegistry[E] {
	return &DecoderRegistry[E]{registry: make(map[registryKey]DecoderFunc[E])}
}

// Register claims eventType at version. A second claim is rejected.
func (r *DecoderRegistry[E]) Register(eventType enums.EventType, version int, decoder DecoderFunc[E]) error {
	if decoder == nil {
		return fmt.Errorf("decoder for %s@v%d is nil", eventType, version)
	}
	r.mtx.Lock()
	defer r.mtx.Unlock()
	key := registryKey{eventType: eventType, version: version}
	if _, exists := r.registry[key]; exists {
		return fmt.Errorf("%s@v%d claimed by more than one decoder", eventType, version)
	}
	r.registry[key] = decoder
	return nil
}

// UnsupportedError reports an envelope no decoder claims.
type UnsupportedError struct {
	EventType enums.EventType
	Version   int
}

func (e UnsupportedError) Error() string {
	return fmt.Sprintf("decoder not registered for %s@v%d", e.EventType, e.Version)
}

// Decode runs the decoder registered for the envelope type and version.
func (r *DecoderRegistry[E]) Decode(envelope outbox.PayloadEnvelope) (E, error) {
	r.mtx.RLock()
	decoder, ok := r.registry[registryKey{eventType: envelope.Type, version: envelope.Version}]
	r.mtx.RUnlock()
	if !ok {
		var zero E
		return zero, UnsupportedError{EventType: envelope.Type, Version: envelope.Version}
	}
	return decoder(envelope)
}

// Claims returns the claimed event types, sorted and without duplicates.
func (r *DecoderRegistry[E]) Claims() []enums.EventType {
	r.mtx.RLock()
	defer r.mtx.RUnlock()
	seen := map[enums.EventType]bool{}
	var out []enums.EventType
	for key := range r.registry {
		if !seen[key.eventType] {
			seen[key.eventType] = true
			out = append(out, key.eventType)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// CheckCompleteness verifies that every type the catalog declares for
// aggregateTypes is claimed, and that nothing undeclared is claimed.
func CheckCompleteness(catalog *EventRegistry, claims []enums.EventType, aggregateTypes ...enums.AggregateType) error {
	declared := catalog.EventTypes(aggregateTypes...)
	claimed := map[enums.EventType]int{}
	for _, c := range claims {
		claimed[c]++
	}

	var problems []string
	for _, et := range declared {
		switch claimed[et] {
		case 0:
			problems = append(problems, fmt.Sprintf("%s has no decoder", et))
		case 1:
		default:
			problems = append(problems, fmt.Sprintf("%s claimed %d times", et, claimed[et]))
		}
		delete(claimed, et)
	}
	var extra []string
	for et := range claimed {
		extra = append(extra, string(et))
	}
	sort.Strings(extra)
	for _, et := range extra {
		problems = append(problems, fmt.Sprintf("%s is claimed but not declared", et))
	}
	if len(problems) > 0 {
		return fmt.Errorf("decoder table incomplete: %s", strings.Join(problems, "; "))
	}
	return nil
}

// DecodeData unmarshals envelope data into T, rejecting unknown fields.
func DecodeData[T any](envelope outbox.PayloadEnvelope) (T, error) {
	var out T
	if err := decodeStrict(envelope.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s data: %w", envelope.Type, err)
	}
	return out, nil
}

func decodeStrict(data []byte, into any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(into)
}
