package main

import (
	"flag"
	"fmt"
	"io"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"loanescrow/cmd/internal/passphrase"
	"loanescrow/crypto"
	"loanescrow/native/loan"
	"loanescrow/rpc"
)

const defaultDeployValue = "50000000"

func runKeygen(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("keygen", stderr)
	path := fs.String("keystore", "", "output keystore path")
	force := fs.Bool("force", false, "overwrite an existing keystore")
	light := fs.Bool("light", false, "use light scrypt parameters (throwaway keys only)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(*path) == "" {
		return printError(stderr, "--keystore is required")
	}
	if _, err := os.Stat(*path); err == nil && !*force {
		return printError(stderr, fmt.Sprintf("%s already exists; pass --force to overwrite", *path))
	}
	pass, err := passphrase.NewConfirmingSource(envPassphrase).Get()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	strength := crypto.ScryptStandard
	if *light {
		strength = crypto.ScryptLight
	}
	if err := crypto.SaveToKeystoreWithStrength(*path, key, pass, strength); err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, key.PubKey().Address().String())
	return 0
}

func runAddress(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("address", stderr)
	path := fs.String("keystore", "", "keystore path")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	if strings.TrimSpace(*path) == "" {
		return printError(stderr, "--keystore is required")
	}
	addr, err := crypto.KeystoreAddress(*path)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintln(stdout, addr.String())
	return 0
}

type termsFlags struct {
	duration  *string
	rate      *string
	principal *string
}

func addTermsFlags(fs *flag.FlagSet) termsFlags {
	return termsFlags{
		duration:  fs.String("duration", "", "loan duration as seconds or a Go duration (e.g. 168h)"),
		rate:      fs.String("rate", "", "daily interest rate as numerator/denominator (e.g. 1/100)"),
		principal: fs.String("principal", "", "principal in base units"),
	}
}

func (f termsFlags) set() bool {
	return *f.duration != "" || *f.rate != "" || *f.principal != ""
}

func (f termsFlags) parse() (loan.Terms, error) {
	duration, err := parseDuration(*f.duration)
	if err != nil {
		return loan.Terms{}, err
	}
	rate, err := parseRate(*f.rate)
	if err != nil {
		return loan.Terms{}, err
	}
	principal, err := parseAmount(*f.principal, "--principal")
	if err != nil {
		return loan.Terms{}, err
	}
	terms := loan.Terms{Duration: duration, Rate: rate, Principal: principal}
	if err := terms.Validate(); err != nil {
		return loan.Terms{}, err
	}
	return terms, nil
}

func parseDuration(raw string) (uint32, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, fmt.Errorf("--duration is required")
	}
	if secs, err := strconv.ParseUint(trimmed, 10, 32); err == nil {
		return uint32(secs), nil
	}
	d, err := time.ParseDuration(trimmed)
	if err != nil || d <= 0 || d%time.Second != 0 {
		return 0, fmt.Errorf("--duration must be whole seconds or a positive Go duration")
	}
	secs := int64(d / time.Second)
	if secs > int64(^uint32(0)) {
		return 0, fmt.Errorf("--duration exceeds 32 bits of seconds")
	}
	return uint32(secs), nil
}

func parseRate(raw string) (loan.Rate, error) {
	num, den, ok := strings.Cut(strings.TrimSpace(raw), "/")
	if !ok {
		return loan.Rate{}, fmt.Errorf("--rate must be numerator/denominator")
	}
	n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 16)
	if err != nil {
		return loan.Rate{}, fmt.Errorf("--rate numerator: %w", err)
	}
	d, err := strconv.ParseUint(strings.TrimSpace(den), 10, 16)
	if err != nil {
		return loan.Rate{}, fmt.Errorf("--rate denominator: %w", err)
	}
	return loan.Rate{Numerator: uint16(n), Denominator: uint16(d)}, nil
}

func parseAmount(raw, flagName string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", flagName)
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok || amount.Sign() < 0 {
		return nil, fmt.Errorf("%s must be a non-negative base-10 integer", flagName)
	}
	return amount, nil
}

func loadKey(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("--keystore is required")
	}
	pass, err := passphrase.NewSource(envPassphrase).Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func runDeploy(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("deploy", stderr)
	keystorePath := fs.String("keystore", "", "borrower keystore path")
	collateralStr := fs.String("collateral", "", "collateral item address")
	ledgerStr := fs.String("ledger", "", "optional ledger wallet address for token denominated loans")
	valueStr := fs.String("value", defaultDeployValue, "value attached to the deployment")
	terms := addTermsFlags(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	collateral, err := crypto.DecodeAddress(strings.TrimSpace(*collateralStr))
	if err != nil {
		return printError(stderr, fmt.Sprintf("--collateral: %v", err))
	}
	var ledger *crypto.Address
	if trimmed := strings.TrimSpace(*ledgerStr); trimmed != "" {
		addr, err := crypto.DecodeAddress(trimmed)
		if err != nil {
			return printError(stderr, fmt.Sprintf("--ledger: %v", err))
		}
		ledger = &addr
	}
	parsed, err := terms.parse()
	if err != nil {
		return printError(stderr, err.Error())
	}
	value, err := parseAmount(*valueStr, "--value")
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadKey(*keystorePath)
	if err != nil {
		return printError(stderr, err.Error())
	}

	init := loan.InitConfig{Borrower: key.PubKey().Address(), Collateral: collateral, Terms: parsed}
	addr, err := loan.DeriveAddress(init)
	if err != nil {
		return printError(stderr, err.Error())
	}
	state, err := loan.RecordHash(init.Record())
	if err != nil {
		return printError(stderr, err.Error())
	}
	msg, err := signInstruction(key, addr, value, loan.Initialize{Ledger: ledger}, state)
	if err != nil {
		return printError(stderr, err.Error())
	}
	params := map[string]interface{}{
		"borrower":   init.Borrower.String(),
		"collateral": collateral.String(),
		"terms":      rpc.EncodeTerms(parsed),
		"message":    msg,
	}
	var receipt rpc.ReceiptJSON
	if code := call(stderr, "loan_deploy", params, &receipt); code != 0 {
		return code
	}
	writeJSON(stdout, receipt)
	return receiptExit(receipt)
}

func runFund(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("fund", stderr)
	keystorePath := fs.String("keystore", "", "lender keystore path")
	escrowStr := fs.String("escrow", "", "escrow address")
	valueStr := fs.String("value", "", "value to attach (defaults to the principal)")
	terms := addTermsFlags(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(*escrowStr))
	if err != nil {
		return printError(stderr, fmt.Sprintf("--escrow: %v", err))
	}
	var offered loan.Terms
	if terms.set() {
		if offered, err = terms.parse(); err != nil {
			return printError(stderr, err.Error())
		}
	} else {
		var record rpc.EscrowJSON
		if code := call(stderr, "loan_get", map[string]string{"escrow": addr.String()}, &record); code != 0 {
			return code
		}
		if offered, err = record.Terms.Decode(); err != nil {
			return printError(stderr, err.Error())
		}
	}
	value := offered.Principal
	if strings.TrimSpace(*valueStr) != "" {
		if value, err = parseAmount(*valueStr, "--value"); err != nil {
			return printError(stderr, err.Error())
		}
	}
	key, err := loadKey(*keystorePath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return submit(stdout, stderr, key, addr, value, loan.FundLoan{Terms: offered})
}

func runRepay(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("repay", stderr)
	keystorePath := fs.String("keystore", "", "borrower keystore path")
	escrowStr := fs.String("escrow", "", "escrow address")
	valueStr := fs.String("value", "", "value to attach (defaults to the current obligation)")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(*escrowStr))
	if err != nil {
		return printError(stderr, fmt.Sprintf("--escrow: %v", err))
	}
	var value *big.Int
	if strings.TrimSpace(*valueStr) != "" {
		if value, err = parseAmount(*valueStr, "--value"); err != nil {
			return printError(stderr, err.Error())
		}
	} else {
		var owed struct {
			Owed string `json:"owed"`
		}
		if code := call(stderr, "loan_obligation", map[string]string{"escrow": addr.String()}, &owed); code != 0 {
			return code
		}
		if value, err = parseAmount(owed.Owed, "obligation"); err != nil {
			return printError(stderr, err.Error())
		}
	}
	key, err := loadKey(*keystorePath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return submit(stdout, stderr, key, addr, value, loan.Repay{})
}

func runUpdateTerms(args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet("update-terms", stderr)
	keystorePath := fs.String("keystore", "", "borrower keystore path")
	escrowStr := fs.String("escrow", "", "escrow address")
	terms := addTermsFlags(fs)
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(*escrowStr))
	if err != nil {
		return printError(stderr, fmt.Sprintf("--escrow: %v", err))
	}
	parsed, err := terms.parse()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadKey(*keystorePath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return submit(stdout, stderr, key, addr, big.NewInt(0), loan.UpdateTerms{Terms: parsed})
}

func runCancel(args []string, stdout, stderr io.Writer) int {
	return runBare("cancel", "borrower", loan.Cancel{}, args, stdout, stderr)
}

func runClaimDefault(args []string, stdout, stderr io.Writer) int {
	return runBare("claim-default", "lender", loan.ClaimDefault{}, args, stdout, stderr)
}

func runBare(name, role string, inst loan.Instruction, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(name, stderr)
	keystorePath := fs.String("keystore", "", role+" keystore path")
	escrowStr := fs.String("escrow", "", "escrow address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(*escrowStr))
	if err != nil {
		return printError(stderr, fmt.Sprintf("--escrow: %v", err))
	}
	key, err := loadKey(*keystorePath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	return submit(stdout, stderr, key, addr, big.NewInt(0), inst)
}

func runQuery(method string, args []string, stdout, stderr io.Writer) int {
	fs := newFlagSet(strings.TrimPrefix(method, "loan_"), stderr)
	escrowStr := fs.String("escrow", "", "escrow address")
	if !parseFlags(fs, args, stderr) {
		return 1
	}
	addr, err := crypto.DecodeAddress(strings.TrimSpace(*escrowStr))
	if err != nil {
		return printError(stderr, fmt.Sprintf("--escrow: %v", err))
	}
	var result map[string]interface{}
	if code := call(stderr, method, map[string]string{"escrow": addr.String()}, &result); code != 0 {
		return code
	}
	writeJSON(stdout, result)
	return 0
}

func signInstruction(key *crypto.PrivateKey, to crypto.Address, value *big.Int, inst loan.Instruction, state [32]byte) (rpc.MessageJSON, error) {
	body, err := inst.Body()
	if err != nil {
		return rpc.MessageJSON{}, err
	}
	return rpc.SignMessage(key, loan.Message{
		Sender:      key.PubKey().Address(),
		Destination: to,
		Value:       value,
		Body:        body,
	}, state)
}

// submit signs inst against the escrow's current record hash, so the message
// is only accepted while the record is unchanged.
func submit(stdout, stderr io.Writer, key *crypto.PrivateKey, addr crypto.Address, value *big.Int, inst loan.Instruction) int {
	var record rpc.EscrowJSON
	if code := call(stderr, "loan_get", map[string]string{"escrow": addr.String()}, &record); code != 0 {
		return code
	}
	state, err := record.State()
	if err != nil {
		return printError(stderr, err.Error())
	}
	msg, err := signInstruction(key, addr, value, inst, state)
	if err != nil {
		return printError(stderr, err.Error())
	}
	var receipt rpc.ReceiptJSON
	params := map[string]interface{}{"escrow": addr.String(), "message": msg}
	if code := call(stderr, "loan_submit", params, &receipt); code != 0 {
		return code
	}
	writeJSON(stdout, receipt)
	return receiptExit(receipt)
}

// receiptExit maps a rejected receipt to a non-zero exit status so scripts
// can branch on it.
func receiptExit(r rpc.ReceiptJSON) int {
	if r.Accepted {
		return 0
	}
	return 2
}
