// Command-line client for a vector node's JSON-RPC API.
//
// Usage:
//
//	vector-cli [--rpc <url>] <command> [args]
//
// Commands:
//
//	config                                  Node identity and chains
//	status                                  Channel count and identity
//	channels                                List channel addresses
//	channel <address>                       Show a channel
//	transfers <address>                     Active transfers of a channel
//	transfer <transferId>                   Show a transfer
//	setup <counterparty> <chainId>          Open a channel (become Alice)
//	request-setup <alice> <chainId>         Ask a peer to open a channel
//	deposit <address> <assetId>             Reconcile onchain deposits
//	withdraw <address> <amount> <assetId> <recipient>
//	queued <address> <status>               Queued router updates
//	isalive                                 Broadcast liveness
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/TomAFrench/vector/internal/rpcclient"
)

func main() {
	rpcURL := flag.String("rpc", "http://127.0.0.1:8545", "Node RPC endpoint")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(1)
	}

	client := rpcclient.New(*rpcURL)
	if err := run(client, args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(client *rpcclient.Client, args []string) error {
	cmd, rest := args[0], args[1:]
	switch cmd {
	case "config":
		return call(client, "chan_getConfig", nil)
	case "status":
		return call(client, "chan_getStatus", nil)
	case "channels":
		return call(client, "chan_getChannelStates", nil)
	case "channel":
		if len(rest) != 1 {
			return fmt.Errorf("usage: channel <address>")
		}
		return call(client, "chan_getChannelState", map[string]any{"channelAddress": rest[0]})
	case "transfers":
		if len(rest) != 1 {
			return fmt.Errorf("usage: transfers <address>")
		}
		return call(client, "chan_getActiveTransfers", map[string]any{"channelAddress": rest[0]})
	case "transfer":
		if len(rest) != 1 {
			return fmt.Errorf("usage: transfer <transferId>")
		}
		return call(client, "chan_getTransferState", map[string]any{"transferId": rest[0]})
	case "setup":
		if len(rest) != 2 {
			return fmt.Errorf("usage: setup <counterparty> <chainId>")
		}
		chainId, err := strconv.ParseUint(rest[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chainId: %w", err)
		}
		return call(client, "chan_setup", map[string]any{
			"counterpartyIdentifier": rest[0],
			"chainId":                chainId,
		})
	case "request-setup":
		if len(rest) != 2 {
			return fmt.Errorf("usage: request-setup <alice> <chainId>")
		}
		chainId, err := strconv.ParseUint(rest[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid chainId: %w", err)
		}
		return call(client, "chan_requestSetup", map[string]any{
			"aliceIdentifier": rest[0],
			"chainId":         chainId,
		})
	case "deposit":
		if len(rest) != 2 {
			return fmt.Errorf("usage: deposit <address> <assetId>")
		}
		return call(client, "chan_deposit", map[string]any{
			"channelAddress": rest[0],
			"assetId":        rest[1],
		})
	case "withdraw":
		if len(rest) != 4 {
			return fmt.Errorf("usage: withdraw <address> <amount> <assetId> <recipient>")
		}
		return call(client, "chan_withdraw", map[string]any{
			"channelAddress": rest[0],
			"amount":         rest[1],
			"assetId":        rest[2],
			"recipient":      rest[3],
		})
	case "queued":
		if len(rest) != 2 {
			return fmt.Errorf("usage: queued <address> <status>")
		}
		return call(client, "chan_getQueuedUpdates", map[string]any{
			"channelAddress": rest[0],
			"status":         rest[1],
		})
	case "isalive":
		return call(client, "chan_sendIsAlive", map[string]any{})
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func call(client *rpcclient.Client, method string, params any) error {
	var result json.RawMessage
	if err := client.Call(method, params, &result); err != nil {
		return err
	}
	var pretty any
	if err := json.Unmarshal(result, &pretty); err != nil {
		fmt.Println(string(result))
		return nil
	}
	out, _ := json.MarshalIndent(pretty, "", "  ")
	fmt.Println(string(out))
	return nil
}
