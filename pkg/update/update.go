package update

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownKind        = errors.New("unknown update kind")
	ErrUnsupportedVersion = errors.New("unsupported host record version")
	ErrEmptyPayload       = errors.New("update payload is empty")
	ErrInvalidStatus      = errors.New("invalid slot status")
)

// Kind identifies the four update variants a host can deliver.
type Kind uint8

const (
	KindAccountUpdate Kind = 1
	KindTransaction   Kind = 2
	KindBlockMetadata Kind = 3
	KindSlotStatus    Kind = 4
)

func (k Kind) String() string {
	switch k {
	case KindAccountUpdate:
		return "account_update"
	case KindTransaction:
		return "transaction"
	case KindBlockMetadata:
		return "block_metadata"
	case KindSlotStatus:
		return "slot_status"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Valid reports whether k is one of the known variants.
func (k Kind) Valid() bool {
	return k >= KindAccountUpdate && k <= KindSlotStatus
}

// Status is a slot commitment level. Only StatusRooted advances the commit
// watermark; the others are archived as markers and otherwise ignored.
type Status uint8

const (
	StatusProcessed Status = 1
	StatusConfirmed Status = 2
	StatusRooted    Status = 3
)

func (s Status) String() string {
	switch s {
	case StatusProcessed:
		return "processed"
	case StatusConfirmed:
		return "confirmed"
	case StatusRooted:
		return "rooted"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether s is a known commitment level.
func (s Status) Valid() bool {
	return s >= StatusProcessed && s <= StatusRooted
}

// hostRecordVersion is the only host record schema this build accepts.
// Newer hosts bump the version when field layouts change; rejecting unknown
// versions keeps half-understood records out of the archive.
const hostRecordVersion = 1

// CurrentVersion is the record version the dispatch layer stamps on
// records it assembles from host callbacks.
const CurrentVersion uint16 = hostRecordVersion

// Raw is a host record before normalization: one tagged variant per update
// kind, handed to Normalize by the dispatch layer.
type Raw struct {
	Kind    Kind
	Version uint16
	Slot    uint64
	Payload []byte
	Status  Status
}

// SlotUpdate is the canonical normalized record. Exactly one is produced per
// accepted host callback. ObservedAt records ingestion order for logs and
// stats; recovery never consults it.
type SlotUpdate struct {
	Kind       Kind
	Slot       uint64
	Payload    []byte
	ObservedAt time.Time
}

// SchemaError reports a malformed host record. The record is dropped and
// logged; neighboring records are unaffected.
type SchemaError struct {
	Kind Kind
	Slot uint64
	Err  error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema error: %s slot=%d: %v", e.Kind, e.Slot, e.Err)
}

func (e *SchemaError) Unwrap() error {
	return e.Err
}

func schemaErr(raw Raw, cause error) error {
	return &SchemaError{Kind: raw.Kind, Slot: raw.Slot, Err: cause}
}

// Normalize validates a host record and produces its canonical SlotUpdate.
// Slot-status records archive the status as a single payload byte so finality
// markers travel through the same frame path as data records.
func Normalize(raw Raw, now time.Time) (SlotUpdate, error) {
	if !raw.Kind.Valid() {
		return SlotUpdate{}, schemaErr(raw, ErrUnknownKind)
	}
	if raw.Version != hostRecordVersion {
		return SlotUpdate{}, schemaErr(raw, fmt.Errorf("%w: %d", ErrUnsupportedVersion, raw.Version))
	}

	u := SlotUpdate{
		Kind:       raw.Kind,
		Slot:       raw.Slot,
		ObservedAt: now,
	}

	if raw.Kind == KindSlotStatus {
		if !raw.Status.Valid() {
			return SlotUpdate{}, schemaErr(raw, fmt.Errorf("%w: %d", ErrInvalidStatus, raw.Status))
		}
		u.Payload = []byte{byte(raw.Status)}
		return u, nil
	}

	if len(raw.Payload) == 0 {
		return SlotUpdate{}, schemaErr(raw, ErrEmptyPayload)
	}
	u.Payload = raw.Payload
	return u, nil
}

// StatusOf extracts the commitment level from a normalized slot-status
// update's payload.
func StatusOf(u SlotUpdate) (Status, bool) {
	if u.Kind != KindSlotStatus || len(u.Payload) != 1 {
		return 0, false
	}
	s := Status(u.Payload[0])
	return s, s.Valid()
}
