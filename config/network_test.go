package config

import (
	"os"
	"path/filepath"
	"testing"
)

const testNetworkJSON = `{
  "chainProviders": {
    "1": "http://127.0.0.1:8545",
    "137": "http://127.0.0.1:8546"
  },
  "chainAddresses": {
    "1": {
      "channelFactoryAddress": "0x3333333333333333333333333333333333333333",
      "transferRegistryAddress": "0x4444444444444444444444444444444444444444",
      "transferDefinitions": {
        "HashlockTransfer": "0x1111111111111111111111111111111111111111",
        "Withdraw": "0x2222222222222222222222222222222222222222"
      }
    },
    "137": {
      "channelFactoryAddress": "0x3333333333333333333333333333333333333333",
      "transferRegistryAddress": "0x4444444444444444444444444444444444444444"
    }
  },
  "allowedSwaps": [
    {
      "fromChainId": 1,
      "toChainId": 137,
      "fromAssetId": "0x0000000000000000000000000000000000000000",
      "toAssetId": "0x7777777777777777777777777777777777777777",
      "rate": "1.005"
    }
  ],
  "rebalanceProfiles": [
    {
      "chainId": 1,
      "assetId": "0x0000000000000000000000000000000000000000",
      "reclaimThreshold": "200000",
      "target": "100000",
      "collateralizeThreshold": "50000"
    }
  ]
}`

func writeNetwork(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "network.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadNetwork(t *testing.T) {
	network, err := LoadNetwork(writeNetwork(t, testNetworkJSON))
	if err != nil {
		t.Fatalf("LoadNetwork: %v", err)
	}

	if len(network.ChainProviders) != 2 {
		t.Errorf("providers = %v", network.ChainProviders)
	}
	addrs := network.ChainAddresses[1]
	if addrs.ChannelFactoryAddress.IsZero() {
		t.Error("factory address not parsed")
	}
	if len(addrs.TransferDefinitions) != 2 {
		t.Errorf("definitions = %v", addrs.TransferDefinitions)
	}
	if len(network.AllowedSwaps) != 1 || network.AllowedSwaps[0].Rate != "1.005" {
		t.Errorf("swaps = %v", network.AllowedSwaps)
	}

	reclaim, target, collateralize, err := network.RebalanceProfiles[0].Amounts()
	if err != nil {
		t.Fatal(err)
	}
	if reclaim.Int64() != 200000 || target.Int64() != 100000 || collateralize.Int64() != 50000 {
		t.Error("profile amounts parsed wrong")
	}
}

func TestLoadNetwork_MissingAddresses(t *testing.T) {
	content := `{"chainProviders": {"1": "http://x"}, "chainAddresses": {}}`
	if _, err := LoadNetwork(writeNetwork(t, content)); err == nil {
		t.Error("provider without addresses should fail")
	}
}

func TestLoadNetwork_SwapUnknownChain(t *testing.T) {
	content := `{
	  "chainProviders": {"1": "http://x"},
	  "chainAddresses": {"1": {
	    "channelFactoryAddress": "0x3333333333333333333333333333333333333333",
	    "transferRegistryAddress": "0x4444444444444444444444444444444444444444"
	  }},
	  "allowedSwaps": [{"fromChainId": 1, "toChainId": 2, "rate": "1"}]
	}`
	if _, err := LoadNetwork(writeNetwork(t, content)); err == nil {
		t.Error("swap referencing unknown chain should fail")
	}
}

func TestLoadNetwork_BadProfileAmount(t *testing.T) {
	content := `{
	  "chainProviders": {"1": "http://x"},
	  "chainAddresses": {"1": {
	    "channelFactoryAddress": "0x3333333333333333333333333333333333333333",
	    "transferRegistryAddress": "0x4444444444444444444444444444444444444444"
	  }},
	  "rebalanceProfiles": [{"chainId": 1, "target": "-5"}]
	}`
	if _, err := LoadNetwork(writeNetwork(t, content)); err == nil {
		t.Error("negative profile amount should fail")
	}
}
