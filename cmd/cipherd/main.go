package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/cipherim/cipher/internal/daemon"
	"github.com/cipherim/cipher/internal/session"
	"go.uber.org/fx"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	gatewayFlag := flag.String("gateway", "", "gateway base URL (overrides config)")
	flag.Parse()

	sessionName := session.Resolve(*sessionFlag)
	if err := session.ValidateName(sessionName); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			GatewayURL:  *gatewayFlag,
		}),
	)

	app.Run()
}
