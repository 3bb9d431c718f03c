package verify

import (
	"crypto/sha256"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"golang.org/x/crypto/sha3"

	"matchcore/domain/tx"
)

const (
	signedPrefix = "\x19Ethereum Signed Message:\n"
	registerBody = "Welcome to ZEX."
	depositTag   = "zex"
)

// FormatFloat renders v the way the signing clients do: the shortest
// decimal that round-trips, in fixed notation with at least one
// fractional digit when the decimal exponent is in [-4, 16), otherwise
// as d.ddde±XX.
func FormatFloat(v float64) string {
	switch {
	case math.IsNaN(v):
		return "nan"
	case math.IsInf(v, 1):
		return "inf"
	case math.IsInf(v, -1):
		return "-inf"
	}

	sci := strconv.FormatFloat(v, 'e', -1, 64)
	i := strings.LastIndexByte(sci, 'e')
	exp, _ := strconv.Atoi(sci[i+1:])
	if exp < -4 || exp >= 16 {
		return sci
	}

	s := strconv.FormatFloat(v, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

func appendToken(b []byte, t tx.Token) []byte {
	b = append(b, t.Chain[:]...)
	b = append(b, ':')
	return strconv.AppendUint(b, uint64(t.ID), 10)
}

func appendOrderBody(b []byte, o *tx.Order) []byte {
	b = append(b, "v: 1\nname: "...)
	if o.IsBuy() {
		b = append(b, "buy"...)
	} else {
		b = append(b, "sell"...)
	}
	b = append(b, "\nbase token: "...)
	b = appendToken(b, o.Base)
	b = append(b, "\nquote token: "...)
	b = appendToken(b, o.Quote)
	b = append(b, "\namount: "...)
	b = append(b, FormatFloat(o.Amount)...)
	b = append(b, "\nprice: "...)
	b = append(b, FormatFloat(o.Price)...)
	b = append(b, "\nt: "...)
	b = strconv.AppendUint(b, uint64(o.Time), 10)
	b = append(b, "\nnonce: "...)
	b = strconv.AppendUint(b, uint64(o.Nonce), 10)
	b = append(b, "\npublic: "...)
	b = append(b, hex.EncodeToString(o.Public[:])...)
	return append(b, '\n')
}

func appendWithdrawBody(b []byte, w *tx.Withdraw) []byte {
	b = append(b, "v: 1\nname: withdraw\ntoken: "...)
	b = appendToken(b, w.Token)
	b = append(b, "\namount: "...)
	b = append(b, FormatFloat(w.Amount)...)
	b = append(b, "\nto: 0x"...)
	b = append(b, hex.EncodeToString(w.Dest[:])...)
	b = append(b, "\nt: "...)
	b = strconv.AppendUint(b, uint64(w.Time), 10)
	b = append(b, "\nnonce: "...)
	b = strconv.AppendUint(b, uint64(w.Nonce), 10)
	b = append(b, "\npublic: "...)
	b = append(b, hex.EncodeToString(w.Public[:])...)
	return append(b, '\n')
}

func appendCancelBody(b []byte, c *tx.Cancel) []byte {
	b = append(b, "v: 1\nname: cancel\nslice: "...)
	b = append(b, hex.EncodeToString(c.Slice[:])...)
	b = append(b, "\npublic: "...)
	b = append(b, hex.EncodeToString(c.Public[:])...)
	return append(b, '\n')
}

func appendRegisterBody(b []byte) []byte {
	return append(b, registerBody...)
}

// appendBody writes the canonical body of a signed transaction. Deposits
// are not text-signed and return ok=false.
func appendBody(b []byte, t tx.Tx) ([]byte, bool) {
	switch v := t.(type) {
	case *tx.Order:
		return appendOrderBody(b, v), true
	case *tx.Withdraw:
		return appendWithdrawBody(b, v), true
	case *tx.Cancel:
		return appendCancelBody(b, v), true
	case *tx.Register:
		return appendRegisterBody(b), true
	}
	return b, false
}

// Message returns the full signed text of t, or nil for deposits.
func Message(t tx.Tx) []byte {
	body, ok := appendBody(nil, t)
	if !ok {
		return nil
	}
	out := make([]byte, 0, len(signedPrefix)+8+len(body))
	out = append(out, signedPrefix...)
	out = strconv.AppendInt(out, int64(len(body)), 10)
	return append(out, body...)
}

// hashBody returns keccak256(prefix || len(body) || body) without
// materialising the wrapped message.
func hashBody(body []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signedPrefix))
	h.Write(strconv.AppendInt(nil, int64(len(body)), 10))
	h.Write(body)
	return h.Sum(nil)
}

// Keccak256 hashes msg with the legacy (pre-NIST) Keccak padding.
func Keccak256(msg []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(msg)
	return h.Sum(nil)
}

// TaggedHash is the BIP340 tagged hash sha256(sha256(tag)||sha256(tag)||msg).
func TaggedHash(tag string, msg []byte) []byte {
	th := sha256.Sum256([]byte(tag))
	h := sha256.New()
	h.Write(th[:])
	h.Write(th[:])
	h.Write(msg)
	return h.Sum(nil)
}
