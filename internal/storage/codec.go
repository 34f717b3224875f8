package storage

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the lock record wire format. They must never be reused.
const (
	fieldResourceID      protowire.Number = 1
	fieldOwnerID         protowire.Number = 2
	fieldOwnerName       protowire.Number = 3
	fieldOwnerEmail      protowire.Number = 4
	fieldAcquiredAt      protowire.Number = 5
	fieldLastHeartbeatAt protowire.Number = 6
	fieldSessionID       protowire.Number = 7

	fieldEnvelopeETag protowire.Number = 1
	fieldEnvelopeLock protowire.Number = 2
)

// MarshalLock encodes lock in protobuf wire format. Timestamps are stored
// with millisecond resolution.
func MarshalLock(lock *Lock) ([]byte, error) {
	if lock == nil {
		return nil, errors.New("storage: encode nil lock")
	}
	buf := make([]byte, 0, 64+len(lock.ResourceID)+len(lock.OwnerID)+len(lock.OwnerName)+len(lock.OwnerEmail))
	buf = appendString(buf, fieldResourceID, lock.ResourceID)
	buf = appendString(buf, fieldOwnerID, lock.OwnerID)
	buf = appendString(buf, fieldOwnerName, lock.OwnerName)
	buf = appendString(buf, fieldOwnerEmail, lock.OwnerEmail)
	buf = appendTime(buf, fieldAcquiredAt, lock.AcquiredAt)
	buf = appendTime(buf, fieldLastHeartbeatAt, lock.LastHeartbeatAt)
	buf = appendString(buf, fieldSessionID, lock.SessionID)
	return buf, nil
}

// UnmarshalLock decodes a payload produced by MarshalLock. Unknown fields are
// skipped.
func UnmarshalLock(payload []byte) (*Lock, error) {
	lock := &Lock{}
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return nil, fmt.Errorf("storage: decode lock tag: %w", protowire.ParseError(n))
		}
		payload = payload[n:]
		switch {
		case typ == protowire.BytesType && num <= fieldSessionID && num != fieldAcquiredAt && num != fieldLastHeartbeatAt:
			v, m := protowire.ConsumeString(payload)
			if m < 0 {
				return nil, fmt.Errorf("storage: decode lock field %d: %w", num, protowire.ParseError(m))
			}
			payload = payload[m:]
			switch num {
			case fieldResourceID:
				lock.ResourceID = v
			case fieldOwnerID:
				lock.OwnerID = v
			case fieldOwnerName:
				lock.OwnerName = v
			case fieldOwnerEmail:
				lock.OwnerEmail = v
			case fieldSessionID:
				lock.SessionID = v
			}
		case typ == protowire.VarintType && (num == fieldAcquiredAt || num == fieldLastHeartbeatAt):
			v, m := protowire.ConsumeVarint(payload)
			if m < 0 {
				return nil, fmt.Errorf("storage: decode lock field %d: %w", num, protowire.ParseError(m))
			}
			payload = payload[m:]
			ts := time.UnixMilli(protowire.DecodeZigZag(v)).UTC()
			if num == fieldAcquiredAt {
				lock.AcquiredAt = ts
			} else {
				lock.LastHeartbeatAt = ts
			}
		default:
			m := protowire.ConsumeFieldValue(num, typ, payload)
			if m < 0 {
				return nil, fmt.Errorf("storage: skip lock field %d: %w", num, protowire.ParseError(m))
			}
			payload = payload[m:]
		}
	}
	return lock, nil
}

// MarshalRecord encodes an etag and lock pair for backends that persist both
// in one blob.
func MarshalRecord(etag string, lock *Lock) ([]byte, error) {
	inner, err := MarshalLock(lock)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, len(inner)+len(etag)+8)
	buf = appendString(buf, fieldEnvelopeETag, etag)
	buf = protowire.AppendTag(buf, fieldEnvelopeLock, protowire.BytesType)
	buf = protowire.AppendBytes(buf, inner)
	return buf, nil
}

// UnmarshalRecord decodes a payload produced by MarshalRecord.
func UnmarshalRecord(payload []byte) (Record, error) {
	var rec Record
	for len(payload) > 0 {
		num, typ, n := protowire.ConsumeTag(payload)
		if n < 0 {
			return Record{}, fmt.Errorf("storage: decode record tag: %w", protowire.ParseError(n))
		}
		payload = payload[n:]
		if typ != protowire.BytesType || (num != fieldEnvelopeETag && num != fieldEnvelopeLock) {
			m := protowire.ConsumeFieldValue(num, typ, payload)
			if m < 0 {
				return Record{}, fmt.Errorf("storage: skip record field %d: %w", num, protowire.ParseError(m))
			}
			payload = payload[m:]
			continue
		}
		v, m := protowire.ConsumeBytes(payload)
		if m < 0 {
			return Record{}, fmt.Errorf("storage: decode record field %d: %w", num, protowire.ParseError(m))
		}
		payload = payload[m:]
		if num == fieldEnvelopeETag {
			rec.ETag = string(v)
			continue
		}
		lock, err := UnmarshalLock(v)
		if err != nil {
			return Record{}, err
		}
		rec.Lock = lock
	}
	if rec.Lock == nil {
		return Record{}, errors.New("storage: record missing lock")
	}
	return rec, nil
}

func appendString(buf []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.BytesType)
	return protowire.AppendString(buf, v)
}

func appendTime(buf []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return buf
	}
	buf = protowire.AppendTag(buf, num, protowire.VarintType)
	return protowire.AppendVarint(buf, protowire.EncodeZigZag(t.UnixMilli()))
}
