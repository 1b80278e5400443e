package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	for _, arg := range os.Args[1:] {
		if arg == "-h" || arg == "-help" || arg == "--help" {
			printUsage()
			os.Exit(0)
		}
	}

	config, args, err := LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	if len(args) != 1 {
		printUsage()
		os.Exit(1)
	}

	client := &http.Client{Timeout: time.Duration(config.TimeoutSeconds) * time.Second}

	var resp *http.Response
	switch args[0] {
	case "verify", "settle":
		body, err := readInput(config.Input)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read input: %v\n", err)
			os.Exit(1)
		}
		resp, err = client.Post(config.FacilitatorUrl+"/"+args[0], "application/json", bytes.NewReader(body))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
	case "supported":
		resp, err = client.Get(config.FacilitatorUrl + "/supported")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
	case "discovery":
		resp, err = client.Get(config.FacilitatorUrl + "/discovery/resources")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Request failed: %v\n", err)
			os.Exit(1)
		}
	default:
		printUsage()
		os.Exit(1)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read response: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))

	if resp.StatusCode != http.StatusOK {
		os.Exit(1)
	}
}

func readInput(path string) ([]byte, error) {
	if path == "" {
		return nil, fmt.Errorf("--input is required for verify and settle")
	}
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
