package wire

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// Outpoint uniquely identifies a collateral UTXO and serves as the canonical
// identity of a service node throughout the subsystem.
type Outpoint struct {
	TxID [32]byte
	Vout uint32
}

// ErrMalformedOutpoint is returned when an outpoint string cannot be parsed.
var ErrMalformedOutpoint = errors.New("wire: malformed outpoint")

// String renders the outpoint as "<txid-hex>-<vout>", matching the form used
// inside canonical signed messages (outpoint_string).
func (o Outpoint) String() string {
	return fmt.Sprintf("%s-%d", hex.EncodeToString(o.TxID[:]), o.Vout)
}

// Less implements the lexicographic tie-break ordering required by §4.3.
func (o Outpoint) Less(other Outpoint) bool {
	for i := range o.TxID {
		if o.TxID[i] != other.TxID[i] {
			return o.TxID[i] < other.TxID[i]
		}
	}
	return o.Vout < other.Vout
}

// IsZero reports whether the outpoint is the zero value, used as the
// wildcard "full list" marker in DSEG requests.
func (o Outpoint) IsZero() bool {
	for _, b := range o.TxID {
		if b != 0 {
			return false
		}
	}
	return o.Vout == 0
}

// Marshal serializes the outpoint as txid(32) || vout(u32 little-endian).
func (o Outpoint) Marshal() []byte {
	buf := make([]byte, 36)
	copy(buf[:32], o.TxID[:])
	binary.LittleEndian.PutUint32(buf[32:], o.Vout)
	return buf
}

// UnmarshalOutpoint parses the wire form produced by Marshal.
func UnmarshalOutpoint(b []byte) (Outpoint, error) {
	if len(b) != 36 {
		return Outpoint{}, ErrMalformedOutpoint
	}
	var o Outpoint
	copy(o.TxID[:], b[:32])
	o.Vout = binary.LittleEndian.Uint32(b[32:])
	return o, nil
}

// ParseOutpointString parses the "<txid-hex>:<vout>" form used by config
// alias entries (txhash:vout).
func ParseOutpointString(s string) (Outpoint, error) {
	var txHex string
	var vout uint32
	n, err := fmt.Sscanf(s, "%64s:%d", &txHex, &vout)
	if err != nil || n != 2 {
		return Outpoint{}, ErrMalformedOutpoint
	}
	raw, err := hex.DecodeString(txHex)
	if err != nil || len(raw) != 32 {
		return Outpoint{}, ErrMalformedOutpoint
	}
	var o Outpoint
	copy(o.TxID[:], raw)
	o.Vout = vout
	return o, nil
}
