package tx

import (
	"encoding/binary"
	"math"
)

// The encoders below build exact wire layouts from field values. They
// ignore the Raw field of their argument.

func EncodeOrder(o *Order) []byte {
	b := make([]byte, OrderSize)
	b[0] = Version
	b[1] = byte(o.Side)
	putToken(b[2:9], o.Base)
	putToken(b[9:16], o.Quote)
	putFloat(b[16:24], o.Amount)
	putFloat(b[24:32], o.Price)
	binary.BigEndian.PutUint32(b[32:36], o.Time)
	binary.BigEndian.PutUint32(b[36:40], o.Nonce)
	copy(b[40:73], o.Public[:])
	copy(b[73:137], o.Sig[:])
	binary.BigEndian.PutUint64(b[137:145], o.Index)
	return b
}

func EncodeWithdraw(w *Withdraw) []byte {
	size := WithdrawSize
	if w.HasIndex {
		size = WithdrawIndexedSize
	}
	b := make([]byte, size)
	b[0] = Version
	b[1] = byte(OpWithdraw)
	putToken(b[2:9], w.Token)
	putFloat(b[9:17], w.Amount)
	copy(b[17:37], w.Dest[:])
	binary.BigEndian.PutUint32(b[37:41], w.Time)
	binary.BigEndian.PutUint32(b[41:45], w.Nonce)
	copy(b[45:78], w.Public[:])
	copy(b[78:142], w.Sig[:])
	if w.HasIndex {
		binary.BigEndian.PutUint64(b[142:150], w.Index)
	}
	return b
}

// EncodeDeposit returns the full deposit including trailer. Use
// DepositBody to obtain the bytes the monitor signs.
func EncodeDeposit(d *Deposit) []byte {
	body := DepositBody(d)
	b := make([]byte, len(body)+DepositTrailerSize)
	copy(b, body)
	copy(b[len(body):], d.Sig[:])
	binary.BigEndian.PutUint64(b[len(body)+SigSize:], d.Index)
	return b
}

func DepositBody(d *Deposit) []byte {
	b := make([]byte, DepositHeaderSize+len(d.Entries)*DepositEntrySize)
	b[0] = Version
	b[1] = byte(OpDeposit)
	copy(b[2:5], d.Chain[:])
	binary.BigEndian.PutUint64(b[5:13], d.From)
	binary.BigEndian.PutUint64(b[13:21], d.To)
	binary.BigEndian.PutUint16(b[21:23], uint16(len(d.Entries)))

	off := DepositHeaderSize
	for _, e := range d.Entries {
		binary.BigEndian.PutUint32(b[off:off+4], e.TokenID)
		putFloat(b[off+4:off+12], e.Amount)
		binary.BigEndian.PutUint32(b[off+12:off+16], e.Time)
		copy(b[off+16:off+49], e.Public[:])
		off += DepositEntrySize
	}
	return b
}

func EncodeCancel(c *Cancel) []byte {
	b := make([]byte, CancelSize)
	b[0] = Version
	b[1] = byte(OpCancel)
	copy(b[2:41], c.Slice[:])
	copy(b[41:74], c.Public[:])
	copy(b[74:138], c.Sig[:])
	return b
}

func EncodeRegister(r *Register) []byte {
	b := make([]byte, RegisterSize)
	b[0] = Version
	b[1] = byte(OpRegister)
	copy(b[2:35], r.Public[:])
	copy(b[35:99], r.Sig[:])
	return b
}

// SliceOf returns the cancel slice of an order built from field values.
func SliceOf(o *Order) Slice {
	raw := o.Raw
	if len(raw) != OrderSize {
		raw = EncodeOrder(o)
	}
	var s Slice
	copy(s[:], raw[1:1+SliceSize])
	return s
}

func putToken(b []byte, t Token) {
	copy(b[0:3], t.Chain[:])
	binary.BigEndian.PutUint32(b[3:7], t.ID)
}

func putFloat(b []byte, v float64) {
	binary.BigEndian.PutUint64(b, math.Float64bits(v))
}
