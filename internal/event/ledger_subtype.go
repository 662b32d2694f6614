package event

// LedgerSubtype discriminator for ledger update records
type LedgerSubtype int32

const (
	LedgerUnknown LedgerSubtype = iota
	LedgerDeposit
	LedgerWithdraw
	LedgerAccountClassTransfer
	LedgerSpotTransfer
	LedgerInternalTransfer
	LedgerSubAccountTransfer
	LedgerVaultCreate
	LedgerVaultDeposit
	LedgerVaultWithdraw
	LedgerVaultDistribution
	LedgerSpotGenesis
	LedgerSend
	LedgerCStakingTransfer
	LedgerLiquidation
	LedgerRewardsClaim
	LedgerActivateDexAbstraction
	LedgerAccountActivationGas
)

var ledgerSubtypeNames = map[LedgerSubtype]string{
	LedgerDeposit:                "deposit",
	LedgerWithdraw:               "withdraw",
	LedgerAccountClassTransfer:   "accountClassTransfer",
	LedgerSpotTransfer:           "spotTransfer",
	LedgerInternalTransfer:       "internalTransfer",
	LedgerSubAccountTransfer:     "subAccountTransfer",
	LedgerVaultCreate:            "vaultCreate",
	LedgerVaultDeposit:           "vaultDeposit",
	LedgerVaultWithdraw:          "vaultWithdraw",
	LedgerVaultDistribution:      "vaultDistribution",
	LedgerSpotGenesis:            "spotGenesis",
	LedgerSend:                   "send",
	LedgerCStakingTransfer:       "cStakingTransfer",
	LedgerLiquidation:            "liquidation",
	LedgerRewardsClaim:           "rewardsClaim",
	LedgerActivateDexAbstraction: "activateDexAbstraction",
	LedgerAccountActivationGas:   "accountActivationGas",
}

var ledgerSubtypesByName = func() map[string]LedgerSubtype {
	m := make(map[string]LedgerSubtype, len(ledgerSubtypeNames))
	for st, name := range ledgerSubtypeNames {
		m[name] = st
	}
	return m
}()

// ParseLedgerSubtype maps the upstream type string to its discriminator.
// Unknown subtypes are not guessed at; the caller treats them as fatal.
func ParseLedgerSubtype(s string) (LedgerSubtype, bool) {
	st, ok := ledgerSubtypesByName[s]
	return st, ok
}

func (st LedgerSubtype) String() string {
	if name, ok := ledgerSubtypeNames[st]; ok {
		return name
	}
	return "unknown"
}
