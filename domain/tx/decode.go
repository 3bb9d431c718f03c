package tx

import (
	"encoding/binary"
	"math"

	"github.com/cockroachdb/errors"
)

var (
	ErrShort     = errors.New("tx: too short")
	ErrVersion   = errors.New("tx: unsupported version")
	ErrLength    = errors.New("tx: invalid length")
	ErrUnknownOp = errors.New("tx: unknown operation")
)

// Decode parses a raw transaction. The returned value keeps a reference
// to raw; callers must not modify it afterwards.
func Decode(raw []byte) (Tx, error) {
	if len(raw) < 2 {
		return nil, ErrShort
	}
	if raw[0] != Version {
		return nil, errors.Wrapf(ErrVersion, "version %d", raw[0])
	}

	switch op := Op(raw[1]); op {
	case OpBuy, OpSell:
		return decodeOrder(raw)
	case OpWithdraw:
		return decodeWithdraw(raw)
	case OpDeposit:
		return decodeDeposit(raw)
	case OpCancel:
		return decodeCancel(raw)
	case OpRegister:
		return decodeRegister(raw)
	default:
		return nil, errors.Wrapf(ErrUnknownOp, "tag %q", byte(op))
	}
}

func decodeOrder(raw []byte) (*Order, error) {
	if len(raw) != OrderSize {
		return nil, errors.Wrapf(ErrLength, "order: %d bytes", len(raw))
	}
	o := &Order{
		Side:   Op(raw[1]),
		Base:   readToken(raw[2:9]),
		Quote:  readToken(raw[9:16]),
		Amount: readFloat(raw[16:24]),
		Price:  readFloat(raw[24:32]),
		Time:   binary.BigEndian.Uint32(raw[32:36]),
		Nonce:  binary.BigEndian.Uint32(raw[36:40]),
		Index:  binary.BigEndian.Uint64(raw[137:145]),
		Raw:    raw,
	}
	copy(o.Public[:], raw[40:73])
	copy(o.Sig[:], raw[73:137])
	return o, nil
}

func decodeWithdraw(raw []byte) (*Withdraw, error) {
	if len(raw) != WithdrawSize && len(raw) != WithdrawIndexedSize {
		return nil, errors.Wrapf(ErrLength, "withdraw: %d bytes", len(raw))
	}
	w := &Withdraw{
		Token:  readToken(raw[2:9]),
		Amount: readFloat(raw[9:17]),
		Time:   binary.BigEndian.Uint32(raw[37:41]),
		Nonce:  binary.BigEndian.Uint32(raw[41:45]),
		Raw:    raw,
	}
	copy(w.Dest[:], raw[17:37])
	copy(w.Public[:], raw[45:78])
	copy(w.Sig[:], raw[78:142])
	if len(raw) == WithdrawIndexedSize {
		w.Index = binary.BigEndian.Uint64(raw[142:150])
		w.HasIndex = true
	}
	return w, nil
}

func decodeDeposit(raw []byte) (*Deposit, error) {
	if len(raw) < DepositHeaderSize {
		return nil, errors.Wrapf(ErrLength, "deposit header: %d bytes", len(raw))
	}
	count := int(binary.BigEndian.Uint16(raw[21:23]))
	want := DepositHeaderSize + count*DepositEntrySize + DepositTrailerSize
	if len(raw) != want {
		return nil, errors.Wrapf(ErrLength, "deposit: %d bytes, want %d", len(raw), want)
	}

	d := &Deposit{
		From:    binary.BigEndian.Uint64(raw[5:13]),
		To:      binary.BigEndian.Uint64(raw[13:21]),
		Entries: make([]DepositEntry, count),
		Raw:     raw,
	}
	copy(d.Chain[:], raw[2:5])

	off := DepositHeaderSize
	for i := range d.Entries {
		e := raw[off : off+DepositEntrySize]
		d.Entries[i] = DepositEntry{
			TokenID: binary.BigEndian.Uint32(e[0:4]),
			Amount:  readFloat(e[4:12]),
			Time:    binary.BigEndian.Uint32(e[12:16]),
		}
		copy(d.Entries[i].Public[:], e[16:49])
		off += DepositEntrySize
	}
	copy(d.Sig[:], raw[off:off+SigSize])
	d.Index = binary.BigEndian.Uint64(raw[off+SigSize:])
	return d, nil
}

func decodeCancel(raw []byte) (*Cancel, error) {
	if len(raw) != CancelSize {
		return nil, errors.Wrapf(ErrLength, "cancel: %d bytes", len(raw))
	}
	c := &Cancel{Raw: raw}
	copy(c.Slice[:], raw[2:41])
	copy(c.Public[:], raw[41:74])
	copy(c.Sig[:], raw[74:138])
	return c, nil
}

func decodeRegister(raw []byte) (*Register, error) {
	if len(raw) != RegisterSize {
		return nil, errors.Wrapf(ErrLength, "register: %d bytes", len(raw))
	}
	r := &Register{Raw: raw}
	copy(r.Public[:], raw[2:35])
	copy(r.Sig[:], raw[35:99])
	return r, nil
}

func readToken(b []byte) Token {
	var t Token
	copy(t.Chain[:], b[0:3])
	t.ID = binary.BigEndian.Uint32(b[3:7])
	return t
}

func readFloat(b []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(b))
}
