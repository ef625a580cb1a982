// Package ledger holds the canonical balance maps and the oracle price as immutable snapshots.
package ledger

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/vadiminshakov/bridgeledger/internal/domain"
)

type balances map[common.Address]uint256.Int

// Entry is one non-zero balance.
type Entry struct {
	Address common.Address
	Balance uint256.Int
}

// Snapshot is an immutable view of the ledger at one point in the action sequence.
// Absent entries are zero; zero balances are never stored.
type Snapshot struct {
	native    balances
	secondary balances
	price     uint256.Int
	priceTime uint64
}

// NewSnapshot builds a snapshot from the given maps. The maps are copied.
func NewSnapshot(native, secondary map[common.Address]uint256.Int, price uint256.Int) *Snapshot {
	return &Snapshot{
		native:    copyNonZero(native),
		secondary: copyNonZero(secondary),
		price:     price,
	}
}

// Empty returns a snapshot with no balances and a zero price.
func Empty() *Snapshot {
	return NewSnapshot(nil, nil, uint256.Int{})
}

func copyNonZero(src map[common.Address]uint256.Int) balances {
	dst := make(balances, len(src))
	for addr, v := range src {
		if !v.IsZero() {
			dst[addr] = v
		}
	}
	return dst
}

func (s *Snapshot) book(asset domain.Asset) balances {
	if asset == domain.AssetNative {
		return s.native
	}
	return s.secondary
}

// Balance returns the balance of addr in asset.
func (s *Snapshot) Balance(asset domain.Asset, addr common.Address) uint256.Int {
	return s.book(asset)[addr]
}

// Price returns the latest oracle price at domain.PriceDecimals scale.
func (s *Snapshot) Price() uint256.Int {
	return s.price
}

// PriceTimestamp returns the timestamp of the update that set the current price.
func (s *Snapshot) PriceTimestamp() uint64 {
	return s.priceTime
}

// Len returns the number of non-zero entries in asset.
func (s *Snapshot) Len(asset domain.Asset) int {
	return len(s.book(asset))
}

// Entries returns the non-zero balances of asset sorted ascending by address.
func (s *Snapshot) Entries(asset domain.Asset) []Entry {
	book := s.book(asset)
	out := make([]Entry, 0, len(book))
	for addr, v := range book {
		out = append(out, Entry{Address: addr, Balance: v})
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address[:], out[j].Address[:]) < 0
	})
	return out
}

// Total sums all balances of asset. ok is false if the sum overflows 256 bits.
func (s *Snapshot) Total(asset domain.Asset) (total uint256.Int, ok bool) {
	for _, v := range s.book(asset) {
		if _, overflow := total.AddOverflow(&total, &v); overflow {
			return uint256.Int{}, false
		}
	}
	return total, true
}

// Equal reports whether both snapshots hold identical balances and price.
func (s *Snapshot) Equal(o *Snapshot) bool {
	if s == o {
		return true
	}
	if s == nil || o == nil {
		return false
	}
	return s.price.Eq(&o.price) && s.priceTime == o.priceTime &&
		equalBooks(s.native, o.native) && equalBooks(s.secondary, o.secondary)
}

func equalBooks(a, b balances) bool {
	if len(a) != len(b) {
		return false
	}
	for addr, v := range a {
		w, ok := b[addr]
		if !ok || !v.Eq(&w) {
			return false
		}
	}
	return true
}

// Update starts a copy-on-write modification of the snapshot.
func (s *Snapshot) Update() *Update {
	return &Update{base: s, price: s.price, priceTime: s.priceTime}
}

// Update collects balance and price changes; Commit produces a new Snapshot
// and never touches the base.
type Update struct {
	base      *Snapshot
	native    balances
	secondary balances
	price     uint256.Int
	priceTime uint64
}

// Balance returns the balance as seen through pending changes.
func (u *Update) Balance(asset domain.Asset, addr common.Address) uint256.Int {
	if book := u.pending(asset); book != nil {
		return book[addr]
	}
	return u.base.Balance(asset, addr)
}

// SetBalance stages a new balance for addr.
func (u *Update) SetBalance(asset domain.Asset, addr common.Address, v uint256.Int) {
	book := u.pending(asset)
	if book == nil {
		book = copyNonZero(u.base.book(asset))
		if asset == domain.AssetNative {
			u.native = book
		} else {
			u.secondary = book
		}
	}
	if v.IsZero() {
		delete(book, addr)
		return
	}
	book[addr] = v
}

// SetPrice stages a new oracle price and its timestamp.
func (u *Update) SetPrice(price uint256.Int, timestamp uint64) {
	u.price = price
	u.priceTime = timestamp
}

func (u *Update) pending(asset domain.Asset) balances {
	if asset == domain.AssetNative {
		return u.native
	}
	return u.secondary
}

// Commit returns the resulting snapshot. Untouched maps are shared with the base.
func (u *Update) Commit() *Snapshot {
	next := &Snapshot{
		native:    u.base.native,
		secondary: u.base.secondary,
		price:     u.price,
		priceTime: u.priceTime,
	}
	if u.native != nil {
		next.native = u.native
	}
	if u.secondary != nil {
		next.secondary = u.secondary
	}
	return next
}
