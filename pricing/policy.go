// Package pricing implements (operation, kind) -> amount resolution loaded
// once at startup from environment configuration, with per-kind overrides
// taking precedence over per-operation defaults.
package pricing

import (
	"github.com/holiman/uint256"
)

// Operation is one of the priced relay operations.
type Operation string

const (
	OperationStore   Operation = "store"
	OperationDeliver Operation = "deliver"
	OperationQuery   Operation = "query"
)

type kindKey struct {
	operation Operation
	kind      int32
}

// Policy resolves the satoshi amount required for a given (operation,
// event kind) pair. Zero value is usable (all operations free) but New
// should be preferred so defaults are explicit.
type Policy struct {
	defaults  map[Operation]*uint256.Int
	overrides map[kindKey]*uint256.Int
}

// New constructs a Policy with no configured amounts; every lookup
// resolves to zero until defaults/overrides are set.
func New() *Policy {
	return &Policy{
		defaults:  make(map[Operation]*uint256.Int),
		overrides: make(map[kindKey]*uint256.Int),
	}
}

// SetDefault sets the per-operation default amount.
func (p *Policy) SetDefault(op Operation, amount *uint256.Int) {
	if amount == nil {
		amount = uint256.NewInt(0)
	}
	p.defaults[op] = amount
}

// SetKindOverride sets a per-(operation, kind) override amount, which takes
// precedence over the operation's default.
func (p *Policy) SetKindOverride(op Operation, kind int32, amount *uint256.Int) {
	if amount == nil {
		amount = uint256.NewInt(0)
	}
	p.overrides[kindKey{operation: op, kind: kind}] = amount
}

// Amount resolves the required amount for (op, kind): a per-kind override
// if one is configured, else the operation's default, else zero for an
// unrecognized operation.
func (p *Policy) Amount(op Operation, kind int32) *uint256.Int {
	if override, ok := p.overrides[kindKey{operation: op, kind: kind}]; ok {
		return override.Clone()
	}
	if def, ok := p.defaults[op]; ok {
		return def.Clone()
	}
	return uint256.NewInt(0)
}
