package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/edvin/wgfleet/internal/faults"
	"github.com/edvin/wgfleet/internal/model"
)

func cmdToken(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet token <create|revoke|list> [options]")
	}
	switch args[0] {
	case "create":
		tokenCreate(args[1:])
	case "revoke":
		tokenRevoke(args[1:])
	case "list":
		tokenList()
	default:
		fmt.Fprintf(os.Stderr, "Unknown token command: %s\n", args[0])
		os.Exit(faults.ExitUserError)
	}
}

func tokenCreate(args []string) {
	fs := flag.NewFlagSet("token create", flag.ExitOnError)
	scope := fs.String("scope", model.ScopeRead, "Token scope: read, write or admin")
	fs.Parse(args)

	if fs.NArg() < 1 {
		usageErr("Usage: wgfleet token create [-scope SCOPE] <name>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	_, plaintext, err := a.core.CreateAPIToken(context.Background(), fs.Arg(0), *scope)
	if err != nil {
		fail(err)
	}
	fmt.Printf("Token %q created. This is the only time it is shown:\n%s\n", fs.Arg(0), plaintext)
}

func tokenRevoke(args []string) {
	if len(args) < 1 {
		usageErr("Usage: wgfleet token revoke <name>")
	}

	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	if err := a.core.RevokeAPIToken(context.Background(), args[0]); err != nil {
		fail(err)
	}
	fmt.Printf("Token %q revoked\n", args[0])
}

func tokenList() {
	a, err := openApp()
	if err != nil {
		fail(err)
	}
	defer a.Close()

	toks, err := a.core.ListAPITokens(context.Background())
	if err != nil {
		fail(err)
	}
	fmt.Printf("%-20s %-8s %-20s %s\n", "NAME", "SCOPE", "CREATED", "REVOKED")
	for _, tok := range toks {
		revoked := "-"
		if tok.RevokedAt != nil {
			revoked = tok.RevokedAt.Format("2006-01-02 15:04")
		}
		fmt.Printf("%-20s %-8s %-20s %s\n",
			tok.Name, tok.Scope, tok.CreatedAt.Format("2006-01-02 15:04"), revoked)
	}
}
