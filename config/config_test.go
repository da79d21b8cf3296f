package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadFile_KeyValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector.conf")
	content := `# comment
datadir = /tmp/vector
messaging.port = 31400
messaging.seeds = "/ip4/1.2.3.4/tcp/31337/p2p/12D3KooW,/ip4/5.6.7.8/tcp/31337/p2p/12D3KooX"
rpc.enabled = true
rpc.port = 9999
router.skipcheckin = yes
log.level = debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	values, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	cfg := Default()
	if err := ApplyFileConfig(cfg, values); err != nil {
		t.Fatalf("ApplyFileConfig: %v", err)
	}

	if cfg.DataDir != "/tmp/vector" {
		t.Errorf("datadir = %s", cfg.DataDir)
	}
	if cfg.Messaging.Port != 31400 {
		t.Errorf("messaging.port = %d", cfg.Messaging.Port)
	}
	if len(cfg.Messaging.Seeds) != 2 {
		t.Errorf("seeds = %v", cfg.Messaging.Seeds)
	}
	if cfg.RPC.Port != 9999 {
		t.Errorf("rpc.port = %d", cfg.RPC.Port)
	}
	if !cfg.Router.SkipCheckIn {
		t.Error("router.skipcheckin not applied")
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log.level = %s", cfg.Log.Level)
	}
}

func TestLoadFile_Missing(t *testing.T) {
	values, err := LoadFile(filepath.Join(t.TempDir(), "nope.conf"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if len(values) != 0 {
		t.Errorf("values = %v", values)
	}
}

func TestLoadFile_BadLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vector.conf")
	os.WriteFile(path, []byte("this is not a key value line\n"), 0644)
	if _, err := LoadFile(path); err == nil {
		t.Error("malformed line should error")
	}
}

func TestApplyFileConfig_UnknownKey(t *testing.T) {
	cfg := Default()
	if err := ApplyFileConfig(cfg, map[string]string{"mystery.key": "1"}); err == nil {
		t.Error("unknown key should error")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	if err := Validate(cfg); err != nil {
		t.Errorf("default config invalid: %v", err)
	}

	cfg.RPC.Port = 70000
	if err := Validate(cfg); err == nil {
		t.Error("out-of-range port should fail")
	}
	cfg.RPC.Port = 8545

	cfg.Log.Level = "verbose"
	if err := Validate(cfg); err == nil {
		t.Error("unknown log level should fail")
	}
}
