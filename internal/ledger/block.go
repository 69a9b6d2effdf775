package ledger

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"
	"time"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
)

// GenesisHash is the committed hash carried by the block at position 0.
// Nothing precedes genesis, so the chain is anchored on this all-zero
// BLAKE2b-512 digest rather than on a computed value.
const GenesisHash = "00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000"

// Payload is the field mapping attached to a committed block. Values are
// JSON-shaped: string, json.Number, bool, nil, []any or map[string]any.
// Numbers keep their literal text, so integers beyond 2^53 survive exactly.
type Payload map[string]any

// Clone returns a deep copy of p. The result is never nil.
func (p Payload) Clone() Payload {
	out := make(Payload, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = cloneValue(e)
		}
		return out
	case Payload:
		return t.Clone()
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Block is one record in the chain. A committed block carries a Timestamp
// and Payload; the trailing stub carries only Position and CommittedHash.
type Block struct {
	Position int `json:"position"`
	// CommittedHash is the digest of the previous block's canonical form,
	// or GenesisHash at position 0.
	CommittedHash string     `json:"committed_hash"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	Payload       Payload    `json:"payload,omitempty"`
}

func (b *Block) committed() bool { return b.Timestamp != nil }

func (b *Block) clone() Block {
	out := Block{Position: b.Position, CommittedHash: b.CommittedHash}
	if b.Timestamp != nil {
		ts := *b.Timestamp
		out.Timestamp = &ts
	}
	if b.Payload != nil {
		out.Payload = b.Payload.Clone()
	}
	return out
}

// Metadata is a committed block without its payload.
type Metadata struct {
	Position      int       `json:"position"`
	CommittedHash string    `json:"committed_hash"`
	Timestamp     time.Time `json:"timestamp"`
}

// hashBlock computes the hex-encoded BLAKE2b-512 digest of the block's
// canonical form: its JSON encoding, which has a fixed field order, sorted
// map keys and RFC 3339 nanosecond timestamps.
func hashBlock(b *Block) (string, error) {
	canonical, err := json.Marshal(b)
	if err != nil {
		return "", fmt.Errorf("canonical form of block %d: %w", b.Position, err)
	}
	sum := blake2b.Sum512(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// toPayload normalizes v through a JSON round trip so the stored value is
// exactly what a reload would produce. Values that are not field mappings
// are wrapped as {"value": v}.
func toPayload(v any) (Payload, error) {
	switch m := v.(type) {
	case Payload:
		if m == nil {
			return Payload{}, nil
		}
	case map[string]any:
		if m == nil {
			return Payload{}, nil
		}
	}

	n, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}
	if m, ok := n.(map[string]any); ok {
		return Payload(m), nil
	}
	return Payload{"value": n}, nil
}

// normalize converts v to its decoded JSON form. Strings must be valid
// UTF-8; the encoder would otherwise replace bad bytes with U+FFFD and seal
// a value the caller never appended.
func normalize(v any) (any, error) {
	if err := checkUTF8(reflect.ValueOf(v), 0); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return decodeJSON(raw)
}

// decodeJSON unmarshals raw keeping numbers as json.Number.
func decodeJSON(raw []byte) (any, error) {
	var out any
	if err := unmarshalNumbers(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func unmarshalNumbers(raw []byte, dst any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return fmt.Errorf("unexpected data after offset %d", dec.InputOffset())
	}
	return nil
}

// maxCheckDepth bounds the UTF-8 walk; deeper values are left to the
// encoder, which reports cycles itself.
const maxCheckDepth = 512

func checkUTF8(v reflect.Value, depth int) error {
	if depth > maxCheckDepth {
		return nil
	}
	switch v.Kind() {
	case reflect.String:
		if !utf8.ValidString(v.String()) {
			return fmt.Errorf("string %q is not valid UTF-8", v.String())
		}
	case reflect.Interface, reflect.Pointer:
		if !v.IsNil() {
			return checkUTF8(v.Elem(), depth+1)
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if err := checkUTF8(iter.Key(), depth+1); err != nil {
				return err
			}
			if err := checkUTF8(iter.Value(), depth+1); err != nil {
				return err
			}
		}
	case reflect.Slice, reflect.Array:
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return nil // encoded as base64
		}
		for i := range v.Len() {
			if err := checkUTF8(v.Index(i), depth+1); err != nil {
				return err
			}
		}
	case reflect.Struct:
		t := v.Type()
		for i := range v.NumField() {
			if !t.Field(i).IsExported() {
				continue
			}
			if err := checkUTF8(v.Field(i), depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}
