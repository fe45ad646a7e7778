package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	cliName    = "rcrelayctl"
	cliVersion = "0.1.0"
)

var gatewayURL string

func main() {
	rootCmd := &cobra.Command{
		Use:   cliName,
		Short: "Control CLI for the rcrelay gateway",
	}
	rootCmd.PersistentFlags().StringVar(&gatewayURL, "url", "http://127.0.0.1:3456", "gateway base URL")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the gateway as a background process",
		RunE:  runStart,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Ask a running gateway to shut down gracefully",
		RunE:  runStop,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show provider health and pool occupancy",
		RunE:  runStatus,
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("%s v%s\n", cliName, cliVersion)
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	// Already running?
	if _, err := httpGet("/health"); err == nil {
		fmt.Println("gateway already running at", gatewayURL)
		return nil
	}

	bin, err := os.Executable()
	if err != nil {
		return err
	}
	// The server binary sits next to the CLI.
	server := strings.TrimSuffix(bin, "rcrelayctl") + "rcrelay"

	proc := exec.Command(server, os.Args[2:]...)
	proc.Stdout = os.Stdout
	proc.Stderr = os.Stderr
	if err := proc.Start(); err != nil {
		return fmt.Errorf("start %s: %w", server, err)
	}

	// Wait for the health endpoint to come up.
	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if _, err := httpGet("/health"); err == nil {
			fmt.Printf("gateway started (pid %d)\n", proc.Process.Pid)
			return proc.Process.Release()
		}
	}
	return fmt.Errorf("gateway did not become healthy at %s", gatewayURL)
}

func runStop(cmd *cobra.Command, args []string) error {
	resp, err := http.Post(gatewayURL+"/shutdown", "application/json", nil)
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", gatewayURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("shutdown refused: HTTP %d", resp.StatusCode)
	}
	fmt.Println("gateway shutting down")
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := httpGet("/status")
	if err != nil {
		return fmt.Errorf("gateway not reachable at %s: %w", gatewayURL, err)
	}

	var status struct {
		Providers []struct {
			ID           string  `json:"id"`
			Healthy      bool    `json:"healthy"`
			Circuit      string  `json:"circuit"`
			QualityScore float64 `json:"qualityScore"`
			InFlight     int     `json:"inFlight"`
			EMALatencyMs float64 `json:"emaLatencyMs"`
		} `json:"providers"`
		ActiveRequests int64 `json:"activeRequests"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("parse status: %w", err)
	}

	fmt.Printf("active requests: %d\n", status.ActiveRequests)
	fmt.Printf("%-16s %-8s %-10s %8s %9s %12s\n",
		"PROVIDER", "HEALTHY", "CIRCUIT", "QUALITY", "INFLIGHT", "LATENCY(MS)")
	for _, p := range status.Providers {
		fmt.Printf("%-16s %-8t %-10s %8.1f %9d %12.0f\n",
			p.ID, p.Healthy, p.Circuit, p.QualityScore, p.InFlight, p.EMALatencyMs)
	}
	return nil
}

func httpGet(path string) ([]byte, error) {
	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Get(gatewayURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return body, nil
}
