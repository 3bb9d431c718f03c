package outbox

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"matchcore/domain/funding"
	"matchcore/domain/tx"
)

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Record is one outbox entry: delivery bookkeeping plus the message to
// deliver.
type Record struct {
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

const recordHeader = 1 + 4 + 8

// binary encoding: [state:1][retries:4][lastAttempt:8][payload]
func encodeRecord(r Record) []byte {
	buf := make([]byte, recordHeader+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[recordHeader:], r.Payload)
	return buf
}

func decodeRecord(b []byte) (Record, error) {
	if len(b) < recordHeader {
		return Record{}, errors.Newf("outbox: record of %d bytes", len(b))
	}
	return Record{
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     append([]byte(nil), b[recordHeader:]...),
	}, nil
}

// Key identifies a withdrawal: (chain, account, nonce) is unique.
type Key struct {
	Chain  tx.Chain
	Public tx.PublicKey
	Nonce  uint64
}

func KeyOf(w funding.Withdrawal) Key {
	return Key{Chain: w.Chain, Public: w.Public, Nonce: w.Nonce}
}

const keyPrefix = "withdraw/"

func (k Key) bytes() []byte {
	return []byte(fmt.Sprintf("%s%s/%s/%020d", keyPrefix, k.Chain, k.Public.Hex(), k.Nonce))
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%d", k.Chain, k.Public.Hex(), k.Nonce)
}

func parseKey(b []byte) (Key, error) {
	var k Key
	parts := strings.Split(strings.TrimPrefix(string(b), keyPrefix), "/")
	if len(parts) != 3 || len(parts[0]) != len(k.Chain) {
		return k, errors.Newf("outbox: bad key %q", b)
	}
	copy(k.Chain[:], parts[0])
	pub, err := hex.DecodeString(parts[1])
	if err != nil || len(pub) != len(k.Public) {
		return k, errors.Newf("outbox: bad key %q", b)
	}
	copy(k.Public[:], pub)
	k.Nonce, err = strconv.ParseUint(parts[2], 10, 64)
	if err != nil {
		return k, errors.Wrapf(err, "outbox: bad key %q", b)
	}
	return k, nil
}

// Message is the published form of a withdrawal.
type Message struct {
	V      int     `json:"v"`
	Type   string  `json:"type"`
	Chain  string  `json:"chain"`
	Public string  `json:"public"`
	Nonce  uint64  `json:"nonce"`
	Token  string  `json:"token"`
	Amount float64 `json:"amount"`
	Dest   string  `json:"dest"`
	Time   uint32  `json:"t"`
}

func MessageOf(w funding.Withdrawal) Message {
	return Message{
		V:      1,
		Type:   "withdraw",
		Chain:  w.Chain.String(),
		Public: w.Public.Hex(),
		Nonce:  w.Nonce,
		Token:  w.Token.String(),
		Amount: w.Amount,
		Dest:   "0x" + hex.EncodeToString(w.Dest[:]),
		Time:   w.Time,
	}
}

func encodeMessage(w funding.Withdrawal) ([]byte, error) {
	return json.Marshal(MessageOf(w))
}
