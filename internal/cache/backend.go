package cache

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// Backend is the shared tier consumer interface (ISP). Get returns
// db.ErrKeyNotFound on a miss.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, error)
	SetWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// Codec serializes values for the backend.
type Codec[V any] interface {
	Encode(v V) ([]byte, error)
	Decode(data []byte) (V, error)
}

// JSONCodec encodes values with encoding/json.
type JSONCodec[V any] struct{}

// Encode implements Codec.
func (JSONCodec[V]) Encode(v V) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("json encode: %w", err)
	}
	return data, nil
}

// Decode implements Codec.
func (JSONCodec[V]) Decode(data []byte) (V, error) {
	var v V
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("json decode: %w", err)
	}
	return v, nil
}

// VectorCodec encodes []float32 as little-endian float32 bytes.
type VectorCodec struct{}

// Encode implements Codec.
func (VectorCodec) Encode(v []float32) ([]byte, error) {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf, nil
}

// Decode implements Codec.
func (VectorCodec) Decode(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, fmt.Errorf("invalid vector data: len=%d (not multiple of 4)", len(data))
	}
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return vec, nil
}

// envelope layout: created_at unix nanos (8 bytes) | ttl nanos (8 bytes) | payload.
const envelopeHeader = 16

var errShortEnvelope = errors.New("cache envelope too short")

func encodeEnvelope(createdAt time.Time, ttl time.Duration, payload []byte) []byte {
	buf := make([]byte, envelopeHeader+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], uint64(createdAt.UnixNano())) //nolint:gosec // wall clock is positive
	binary.BigEndian.PutUint64(buf[8:16], uint64(ttl))                 //nolint:gosec // ttl is positive
	copy(buf[envelopeHeader:], payload)
	return buf
}

func decodeEnvelope(data []byte) (time.Time, time.Duration, []byte, error) {
	if len(data) < envelopeHeader {
		return time.Time{}, 0, nil, errShortEnvelope
	}
	createdAt := time.Unix(0, int64(binary.BigEndian.Uint64(data[0:8]))) //nolint:gosec // round-trips encode
	ttl := time.Duration(binary.BigEndian.Uint64(data[8:16]))             //nolint:gosec // round-trips encode
	return createdAt, ttl, data[envelopeHeader:], nil
}
