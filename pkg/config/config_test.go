package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OMS.SplitCeiling != 50_000 {
		t.Errorf("split ceiling = %v", cfg.OMS.SplitCeiling)
	}
	if cfg.Gates.MinDays != 63 {
		t.Errorf("min days = %v", cfg.Gates.MinDays)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.yaml")
	data := `
paper:
  initial_capital: 250000
oms:
  max_slices: 3
brokers:
  binance:
    enabled: true
    simulated: false
    testnet: true
`
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Paper.InitialCapital != 250_000 {
		t.Errorf("initial capital = %v", cfg.Paper.InitialCapital)
	}
	if cfg.OMS.MaxSlices != 3 {
		t.Errorf("max slices = %v", cfg.OMS.MaxSlices)
	}
	if !cfg.Brokers["binance"].Testnet {
		t.Error("binance testnet not set")
	}
}

func TestEnvCredentialFallback(t *testing.T) {
	t.Setenv("ALPACA_API_KEY", "ak-test")
	t.Setenv("ALPACA_SECRET_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Brokers["alpaca"].APIKey != "ak-test" {
		t.Errorf("api key = %q", cfg.Brokers["alpaca"].APIKey)
	}
	if cfg.Brokers["alpaca"].SecretKey != "sk-test" {
		t.Errorf("secret key = %q", cfg.Brokers["alpaca"].SecretKey)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []func(*Config){
		func(c *Config) { c.Paper.InitialCapital = 0 },
		func(c *Config) { c.OMS.MaxSlices = 0 },
		func(c *Config) { c.Paper.Delay.TWAPSlices = 0 },
		func(c *Config) { c.Transition.Stages = []StageConfig{{CapitalPct: 1.5}} },
		func(c *Config) { c.Brokers["kraken"] = BrokerConfig{} },
		func(c *Config) { c.Gates.MinDays = 0 },
	}
	for i, mutate := range cases {
		cfg := Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("case %d: expected validation error", i)
		}
	}
}
