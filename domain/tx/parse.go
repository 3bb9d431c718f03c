package tx

import (
	"encoding/hex"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

var ErrSyntax = errors.New("tx: invalid text form")

// ParseToken reads the CHN:id form.
func ParseToken(s string) (Token, error) {
	chain, id, ok := strings.Cut(s, ":")
	if !ok || len(chain) != len(Chain{}) {
		return Token{}, errors.Wrapf(ErrSyntax, "token %q", s)
	}
	n, err := strconv.ParseUint(id, 10, 32)
	if err != nil {
		return Token{}, errors.Wrapf(ErrSyntax, "token %q", s)
	}
	return Token{Chain: ChainOf(chain), ID: uint32(n)}, nil
}

// ParsePair reads the BASE-QUOTE form, e.g. BTC:1-USD:2.
func ParsePair(s string) (Pair, error) {
	base, quote, ok := strings.Cut(s, "-")
	if !ok {
		return Pair{}, errors.Wrapf(ErrSyntax, "pair %q", s)
	}
	b, err := ParseToken(base)
	if err != nil {
		return Pair{}, err
	}
	q, err := ParseToken(quote)
	if err != nil {
		return Pair{}, err
	}
	return Pair{Base: b, Quote: q}, nil
}

func ParsePublicKey(s string) (PublicKey, error) {
	var p PublicKey
	b, err := hex.DecodeString(strings.TrimPrefix(s, "0x"))
	if err != nil || len(b) != len(p) {
		return p, errors.Wrapf(ErrSyntax, "public key %q", s)
	}
	copy(p[:], b)
	return p, nil
}
