package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"loanescrow/rpc"
)

const (
	defaultRPCEndpoint = "http://127.0.0.1:8645"
	envRPCEndpoint     = "LOANCTL_RPC"
	envRPCToken        = "LOANCTL_TOKEN"
	envPassphrase      = "LOANCTL_PASSPHRASE"
	rpcTimeout         = 30 * time.Second
)

type rpcCaller func(ctx context.Context, method string, params interface{}, out interface{}) error

var (
	newRPCCall = func() rpcCaller {
		endpoint := strings.TrimSpace(os.Getenv(envRPCEndpoint))
		if endpoint == "" {
			endpoint = defaultRPCEndpoint
		}
		return rpc.NewClient(endpoint, os.Getenv(envRPCToken)).Call
	}
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usage())
		return 1
	}
	switch args[0] {
	case "keygen":
		return runKeygen(args[1:], stdout, stderr)
	case "address":
		return runAddress(args[1:], stdout, stderr)
	case "deploy":
		return runDeploy(args[1:], stdout, stderr)
	case "fund":
		return runFund(args[1:], stdout, stderr)
	case "repay":
		return runRepay(args[1:], stdout, stderr)
	case "update-terms":
		return runUpdateTerms(args[1:], stdout, stderr)
	case "cancel":
		return runCancel(args[1:], stdout, stderr)
	case "claim-default":
		return runClaimDefault(args[1:], stdout, stderr)
	case "get":
		return runQuery("loan_get", args[1:], stdout, stderr)
	case "obligation":
		return runQuery("loan_obligation", args[1:], stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usage())
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[0])
		fmt.Fprintln(stderr, usage())
		return 1
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage of loanctl %s:\n", name)
		fs.PrintDefaults()
	}
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string, stderr io.Writer) bool {
	if err := fs.Parse(args); err != nil {
		return false
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return false
	}
	return true
}

func printError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func call(stderr io.Writer, method string, params interface{}, out interface{}) int {
	ctx, cancel := context.WithTimeout(context.Background(), rpcTimeout)
	defer cancel()
	if err := newRPCCall()(ctx, method, params, out); err != nil {
		var rpcErr *rpc.RPCError
		if errors.As(err, &rpcErr) {
			fmt.Fprintf(stderr, "RPC error %d: %s\n", rpcErr.Code, rpcErr.Message)
			return 1
		}
		fmt.Fprintf(stderr, "RPC call failed: %v\n", err)
		return 1
	}
	return 0
}

func writeJSON(w io.Writer, v interface{}) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(w, "%v\n", v)
		return
	}
	fmt.Fprintln(w, string(data))
}

func usage() string {
	return strings.TrimSpace(`Usage:
  loanctl <command> [flags]

Commands:
  keygen         Create an encrypted keystore
  address        Print the address held by a keystore
  deploy         Deploy an escrow as the borrower
  fund           Fund a waiting escrow as the lender
  repay          Repay a funded loan as the borrower
  update-terms   Replace the terms of a waiting escrow
  cancel         Cancel a waiting escrow and reclaim the collateral
  claim-default  Claim the collateral of an expired loan as the lender
  get            Show an escrow record
  obligation     Show the amount that settles a funded loan

Environment:
  LOANCTL_RPC         JSON-RPC endpoint (default http://127.0.0.1:8645)
  LOANCTL_TOKEN       bearer token sent with every request
  LOANCTL_PASSPHRASE  keystore passphrase
`)
}
