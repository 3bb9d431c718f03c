package snapshot

import (
	"github.com/cockroachdb/errors"

	"matchcore/domain/account"
	"matchcore/domain/funding"
	"matchcore/domain/ledger"
	"matchcore/domain/orderbook"
)

const (
	// Magic opens every snapshot blob.
	Magic = "MCSN"
	// SchemaVersion is bumped on any incompatible layout change.
	SchemaVersion = 1
)

var (
	ErrMagic         = errors.New("snapshot: bad magic")
	ErrSchemaVersion = errors.New("snapshot: unsupported schema version")
	ErrCorrupt       = errors.New("snapshot: corrupt")
	ErrNoSnapshot    = errors.New("snapshot: none stored")
)

// State is the complete engine state at an arrival index. Every slice
// is kept in a canonical order so encoding is deterministic.
type State struct {
	// Index is the last applied arrival index; HasIndex is false for an
	// engine that has applied nothing.
	Index    uint64
	HasIndex bool

	Balances    []ledger.Entry
	Markets     []orderbook.MarketState
	Accounts    []account.Account
	LastUserID  uint64
	Withdrawals []funding.Withdrawal
	Watermarks  []funding.Mark
}
