// Package cursor defines the opaque SyncCursor handed back by the remote on
// every pull, plus the codec registry used to persist it and put it on the wire.
package cursor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
)

const (
	KindInteger = "integer"
	KindToken   = "token"
)

// Cursor marks the last server change that was applied locally.
type Cursor interface {
	Kind() string
	String() string
}

// Codec for marshaling/unmarshaling cursors to a stable wire form.
type Codec interface {
	Kind() string
	Marshal(c Cursor) (json.RawMessage, error)      // returns the Data part only
	Unmarshal(data json.RawMessage) (Cursor, error) // parse Data into a Cursor
}

var (
	registry   = map[string]Codec{}
	registryMu sync.RWMutex
)

func init() {
	InitDefaultCodecs()
}

func Register(c Codec) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[c.Kind()] = c
}

func Lookup(kind string) (Codec, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	cc, ok := registry[kind]
	return cc, ok
}

// Maximum allowed size for a wire cursor payload.
const maxWireCursorSize = 64 * 1024 // 64 KB

// WireCursor is the typed union for transport and persistence.
type WireCursor struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

func MarshalWire(c Cursor) (*WireCursor, error) {
	if c == nil {
		return nil, errors.New("nil cursor")
	}
	codec, ok := Lookup(c.Kind())
	if !ok {
		return nil, fmt.Errorf("unknown cursor kind: %s", c.Kind())
	}
	data, err := codec.Marshal(c)
	if err != nil {
		return nil, err
	}
	return &WireCursor{Kind: codec.Kind(), Data: data}, nil
}

func ValidateWireCursor(wc *WireCursor) error {
	if wc == nil {
		return errors.New("nil wire cursor")
	}
	if len(wc.Data) > maxWireCursorSize {
		return fmt.Errorf("cursor payload too large: %d bytes", len(wc.Data))
	}
	if _, ok := Lookup(wc.Kind); !ok {
		return fmt.Errorf("unknown cursor kind: %s", wc.Kind)
	}
	return nil
}

func UnmarshalWire(wc *WireCursor) (Cursor, error) {
	if err := ValidateWireCursor(wc); err != nil {
		return nil, err
	}
	codec, _ := Lookup(wc.Kind)
	return codec.Unmarshal(wc.Data)
}

// Encode serializes c for storage. A nil cursor encodes to nil.
func Encode(c Cursor) ([]byte, error) {
	if c == nil {
		return nil, nil
	}
	wc, err := MarshalWire(c)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wc)
}

// Decode parses a value produced by Encode. Empty input decodes to a nil cursor.
func Decode(data []byte) (Cursor, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var wc WireCursor
	if err := json.Unmarshal(data, &wc); err != nil {
		return nil, fmt.Errorf("decode cursor: %w", err)
	}
	return UnmarshalWire(&wc)
}

// Equal reports whether two cursors denote the same position.
func Equal(a, b Cursor) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Kind() == b.Kind() && a.String() == b.String()
}

// IntegerCursor is a simple high-water mark (seq).
type IntegerCursor struct {
	Seq uint64
}

func (IntegerCursor) Kind() string { return KindInteger }

func (ic IntegerCursor) String() string { return strconv.FormatUint(ic.Seq, 10) }

// IsZero reports whether nothing has been pulled yet.
func (ic IntegerCursor) IsZero() bool { return ic.Seq == 0 }

type integerCodec struct{}

func (integerCodec) Kind() string { return KindInteger }

func (integerCodec) Marshal(c Cursor) (json.RawMessage, error) {
	ic, ok := c.(IntegerCursor)
	if !ok {
		return nil, fmt.Errorf("expected IntegerCursor, got %T", c)
	}
	return json.Marshal(ic.Seq)
}

func (integerCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var seq uint64
	if err := json.Unmarshal(data, &seq); err != nil {
		return nil, err
	}
	return IntegerCursor{Seq: seq}, nil
}

// TokenCursor carries an opaque server-issued continuation token.
type TokenCursor struct {
	Token string
}

func (TokenCursor) Kind() string { return KindToken }

func (tc TokenCursor) String() string { return tc.Token }

type tokenCodec struct{}

func (tokenCodec) Kind() string { return KindToken }

func (tokenCodec) Marshal(c Cursor) (json.RawMessage, error) {
	tc, ok := c.(TokenCursor)
	if !ok {
		return nil, fmt.Errorf("expected TokenCursor, got %T", c)
	}
	return json.Marshal(tc.Token)
}

func (tokenCodec) Unmarshal(data json.RawMessage) (Cursor, error) {
	var token string
	if err := json.Unmarshal(data, &token); err != nil {
		return nil, err
	}
	return TokenCursor{Token: token}, nil
}

// InitDefaultCodecs registers the built-in cursor kinds. It runs at package
// init and is safe to call again.
func InitDefaultCodecs() {
	Register(integerCodec{})
	Register(tokenCodec{})
}

// NewInteger creates a new IntegerCursor with the given sequence number
func NewInteger(seq uint64) IntegerCursor {
	return IntegerCursor{Seq: seq}
}

// NewToken creates a TokenCursor.
func NewToken(token string) TokenCursor {
	return TokenCursor{Token: token}
}
