package replay

import (
	"sort"

	"github.com/holiman/uint256"

	"token-ledger/internal/address"
	"token-ledger/internal/domain"
)

// FieldDivergence represents a mismatch between stored and replayed values.
type FieldDivergence struct {
	Field    string      // field name, e.g. "Balance[<account>]"
	Expected interface{} // stored value
	Actual   interface{} // replayed value
}

// Verify compares a stored snapshot with one rebuilt from the journal.
// A missing balance or allowance entry compares equal to zero.
// Divergences are returned in a deterministic order.
func Verify(stored, rebuilt *domain.Snapshot) []FieldDivergence {
	var divs []FieldDivergence

	if stored.Sequence != rebuilt.Sequence {
		divs = append(divs, FieldDivergence{Field: "Sequence", Expected: stored.Sequence, Actual: rebuilt.Sequence})
	}
	divs = append(divs, compareMetadata(&stored.Metadata, &rebuilt.Metadata)...)

	accounts := make(map[address.Address]struct{})
	for a := range stored.Balances {
		accounts[a] = struct{}{}
	}
	for a := range rebuilt.Balances {
		accounts[a] = struct{}{}
	}
	for _, a := range sortedAccounts(accounts) {
		want, got := orZero(stored.Balances[a]), orZero(rebuilt.Balances[a])
		if !want.Eq(got) {
			divs = append(divs, FieldDivergence{
				Field:    "Balance[" + a.String() + "]",
				Expected: want.Dec(),
				Actual:   got.Dec(),
			})
		}
	}

	keys := make(map[domain.AllowanceKey]struct{})
	for k := range stored.Allowances {
		keys[k] = struct{}{}
	}
	for k := range rebuilt.Allowances {
		keys[k] = struct{}{}
	}
	for _, k := range sortedKeys(keys) {
		want, got := orZero(stored.Allowances[k]), orZero(rebuilt.Allowances[k])
		if !want.Eq(got) {
			divs = append(divs, FieldDivergence{
				Field:    "Allowance[" + k.Owner.String() + "," + k.Spender.String() + "]",
				Expected: want.Dec(),
				Actual:   got.Dec(),
			})
		}
	}

	return divs
}

// CompareTransitions compares a stored transition with its replayed counterpart.
// Timestamps are not compared.
func CompareTransitions(stored, replayed *domain.Transition) []FieldDivergence {
	var divs []FieldDivergence

	if stored.Sequence != replayed.Sequence {
		divs = append(divs, FieldDivergence{Field: "Sequence", Expected: stored.Sequence, Actual: replayed.Sequence})
	}
	if stored.ID != replayed.ID {
		divs = append(divs, FieldDivergence{Field: "ID", Expected: stored.ID, Actual: replayed.ID})
	}
	if stored.Kind != replayed.Kind {
		divs = append(divs, FieldDivergence{Field: "Kind", Expected: stored.Kind, Actual: replayed.Kind})
	}
	if stored.Caller != replayed.Caller {
		divs = append(divs, FieldDivergence{Field: "Caller", Expected: stored.Caller.String(), Actual: replayed.Caller.String()})
	}
	if stored.From != replayed.From {
		divs = append(divs, FieldDivergence{Field: "From", Expected: stored.From.String(), Actual: replayed.From.String()})
	}
	if stored.To != replayed.To {
		divs = append(divs, FieldDivergence{Field: "To", Expected: stored.To.String(), Actual: replayed.To.String()})
	}

	amounts := []struct {
		field          string
		stored, actual *uint256.Int
	}{
		{"Amount", stored.Amount, replayed.Amount},
		{"FromBalance", stored.FromBalance, replayed.FromBalance},
		{"ToBalance", stored.ToBalance, replayed.ToBalance},
		{"Allowance", stored.Allowance, replayed.Allowance},
	}
	for _, a := range amounts {
		if !amountsEqual(a.stored, a.actual) {
			divs = append(divs, FieldDivergence{Field: a.field, Expected: decOrNil(a.stored), Actual: decOrNil(a.actual)})
		}
	}

	return divs
}

func compareMetadata(stored, rebuilt *domain.TokenMetadata) []FieldDivergence {
	var divs []FieldDivergence
	if stored.Name != rebuilt.Name {
		divs = append(divs, FieldDivergence{Field: "Name", Expected: stored.Name, Actual: rebuilt.Name})
	}
	if stored.Symbol != rebuilt.Symbol {
		divs = append(divs, FieldDivergence{Field: "Symbol", Expected: stored.Symbol, Actual: rebuilt.Symbol})
	}
	if stored.Decimals != rebuilt.Decimals {
		divs = append(divs, FieldDivergence{Field: "Decimals", Expected: stored.Decimals, Actual: rebuilt.Decimals})
	}
	if !amountsEqual(stored.TotalSupply, rebuilt.TotalSupply) {
		divs = append(divs, FieldDivergence{Field: "TotalSupply", Expected: decOrNil(stored.TotalSupply), Actual: decOrNil(rebuilt.TotalSupply)})
	}
	if stored.Issuer != rebuilt.Issuer {
		divs = append(divs, FieldDivergence{Field: "Issuer", Expected: stored.Issuer.String(), Actual: rebuilt.Issuer.String()})
	}
	return divs
}

func amountsEqual(a, b *uint256.Int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Eq(b)
}

func decOrNil(v *uint256.Int) interface{} {
	if v == nil {
		return nil
	}
	return v.Dec()
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}

func sortedAccounts(set map[address.Address]struct{}) []address.Address {
	out := make([]address.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return string(out[i][:]) < string(out[j][:]) })
	return out
}

func sortedKeys(set map[domain.AllowanceKey]struct{}) []domain.AllowanceKey {
	out := make([]domain.AllowanceKey, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Owner != out[j].Owner {
			return string(out[i].Owner[:]) < string(out[j].Owner[:])
		}
		return string(out[i].Spender[:]) < string(out[j].Spender[:])
	})
	return out
}
