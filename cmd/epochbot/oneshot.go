package main

import (
	"context"
	"fmt"

	"github.com/epochwatch/epochbot/internal/config"
	"github.com/epochwatch/epochbot/internal/probe"
)

// RunOneshot probes every configured endpoint once and prints the
// result. The exit code is 0 only when everything is reachable.
func (cmd *EpochbotCommand) RunOneshot(ctx context.Context, cfg config.Config) (exitCode int) {
	prober := probe.NewTCPProber(cfg.ProbeTimeout())

	for _, ep := range cfg.Endpoints {
		if prober.Probe(ctx, ep.Host, ep.Port) {
			fmt.Fprintf(cmd.OutStream, "up\t%s\t%s\n", ep.Name, ep.Addr())
		} else {
			fmt.Fprintf(cmd.OutStream, "down\t%s\t%s\n", ep.Name, ep.Addr())
			exitCode = 1
		}
	}

	return exitCode
}
