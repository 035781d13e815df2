// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Passgate Contributors

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// ServiceStatus holds the probe result for one endpoint.
type ServiceStatus struct {
	Endpoint string `json:"endpoint"`
	Healthy  bool   `json:"healthy"`
	Error    string `json:"error,omitempty"`
}

// statusConfig holds configuration for the status command.
type statusConfig struct {
	apiAddr    string
	jsonOutput bool
	timeout    time.Duration
}

// NewStatusCmd creates the status subcommand.
func NewStatusCmd() *cobra.Command {
	cfg := &statusConfig{}

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Probe a running Passgate server",
		Long:  `Probe the health endpoint of a running Passgate API server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd, cfg)
		},
	}

	cmd.Flags().StringVar(&cfg.apiAddr, "addr", "127.0.0.1:8080", "API server address")
	cmd.Flags().BoolVar(&cfg.jsonOutput, "json", false, "output status as JSON")
	cmd.Flags().DurationVar(&cfg.timeout, "timeout", 2*time.Second, "probe timeout")

	return cmd
}

func runStatus(cmd *cobra.Command, cfg *statusConfig) error {
	status := probeHealth(cmd.Context(), cfg.apiAddr, cfg.timeout)

	if cfg.jsonOutput {
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		cmd.Println(string(out))
	} else if status.Healthy {
		cmd.Printf("%s: healthy\n", status.Endpoint)
	} else {
		cmd.Printf("%s: unhealthy (%s)\n", status.Endpoint, status.Error)
	}

	if !status.Healthy {
		return fmt.Errorf("server at %s is not healthy", cfg.apiAddr)
	}
	return nil
}

func probeHealth(ctx context.Context, addr string, timeout time.Duration) ServiceStatus {
	status := ServiceStatus{Endpoint: addr}

	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, fmt.Sprintf("http://%s/health", addr), nil)
	if err != nil {
		status.Error = err.Error()
		return status
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		status.Error = err.Error()
		return status
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		status.Error = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return status
	}

	status.Healthy = true
	return status
}
