package main

import (
	"os"

	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config holds the client CLI configuration.
type Config struct {
	FacilitatorUrl string `koanf:"facilitatorUrl"`
	Input          string `koanf:"input"`
	TimeoutSeconds int    `koanf:"timeoutSeconds"`
}

var envKeys = map[string]string{
	"FACILITATOR_URL": "facilitatorUrl",
}

// LoadConfig loads configuration: flags over environment over file over
// defaults.
func LoadConfig(args []string) (*Config, []string, error) {
	var k = koanf.New(".")

	k.Set("facilitatorUrl", "http://localhost:9090")
	k.Set("timeoutSeconds", 150)

	f := pflag.NewFlagSet("config", pflag.ContinueOnError)
	f.String("config", "client.toml", "Path to configuration file")
	f.String("facilitatorUrl", "http://localhost:9090", "Facilitator base URL")
	f.String("input", "", "Path to a JSON file with paymentPayload and paymentRequirements (- for stdin)")
	f.Int("timeoutSeconds", 150, "Request timeout in seconds")

	if err := f.Parse(args); err != nil {
		return nil, nil, err
	}

	configPath, _ := f.GetString("config")
	if _, err := os.Stat(configPath); err == nil {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, nil, err
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return envKeys[s]
	}), nil); err != nil {
		return nil, nil, err
	}

	if err := k.Load(posflag.Provider(f, ".", k), nil); err != nil {
		return nil, nil, err
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, nil, err
	}
	return &config, f.Args(), nil
}

func printUsage() {
	println("Usage: client [options] <verify|settle|supported|discovery>")
	println()
	println("Exercises a running x402 facilitator over HTTP. Payment payloads")
	println("are relayed as-is; this tool does not sign payments.")
	println()
	println("Options:")
	println("  --config string")
	println("        Path to configuration file (default \"client.toml\")")
	println("  --facilitatorUrl string")
	println("        Facilitator base URL (default \"http://localhost:9090\")")
	println("  --input string")
	println("        JSON file with paymentPayload and paymentRequirements (- for stdin)")
	println("  --timeoutSeconds int")
	println("        Request timeout in seconds (default 150)")
}
