package state

var (
	loanEscrowPrefix     = []byte("loan/escrow/")
	loanSubmissionPrefix = []byte("loan/submission/")
)
