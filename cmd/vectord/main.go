// Vector routing node daemon.
//
// Usage:
//
//	vectord [flags]   Run node
//	vectord --help    Show help
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/TomAFrench/vector/config"
	"github.com/TomAFrench/vector/internal/node"
)

const version = "0.1.0"

// promptKeystorePassword asks for the keystore password interactively
// when neither a mnemonic nor a password reached us via environment and
// stdin is a terminal.
func promptKeystorePassword() {
	if os.Getenv("VECTOR_MNEMONIC") != "" || os.Getenv("VECTOR_KEYSTORE_PASSWORD") != "" {
		return
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return
	}
	fmt.Fprint(os.Stderr, "Keystore password: ")
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err == nil && len(password) > 0 {
		os.Setenv("VECTOR_KEYSTORE_PASSWORD", string(password))
	}
}

func main() {
	cfg, flags, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if flags.Version {
		fmt.Printf("vectord %s\n", version)
		return
	}
	promptKeystorePassword()

	n, err := node.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		n.Stop()
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	n.Stop()
}
