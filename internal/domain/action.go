package domain

// ActionName identifies the kind of ledger action.
type ActionName string

const (
	ActionMintToken         ActionName = "mintToken"
	ActionUpdateOraclePrice ActionName = "updateOraclePrice"
	ActionSwapToken         ActionName = "swapToken"
	ActionWithdrawToken     ActionName = "withdrawToken"
)

// IsValid reports whether the name is one of the known actions.
func (a ActionName) IsValid() bool {
	switch a {
	case ActionMintToken, ActionUpdateOraclePrice,
		ActionSwapToken, ActionWithdrawToken:
		return true
	}
	return false
}

// Privileged reports whether only the operator may submit the action.
func (a ActionName) Privileged() bool {
	return a == ActionMintToken || a == ActionUpdateOraclePrice
}

// String returns the string representation of the action name
func (a ActionName) String() string {
	return string(a)
}
