// SPDX-FileCopyrightText: © 2023 Siemens AG
// SPDX-License-Identifier: MIT

/*
Bootstraps a symmetric, in-process vtrun cluster and drives it through
a fixed or unbounded number of phases, writing each rank's retained
load-balancing statistics to a per-rank CSV file on exit.

For usage details, run vtrun with the command line flag -h or --help.
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"

	"vtrun/clog"
	"vtrun/runtime"
)

func main() {
	var numNodes, fanout, hierarchicalFanout, rdmaElemSize, rdmaNumIndices, phases int
	var tolerance float64
	var balancer, statsDir string
	var idleInterval, phaseInterval time.Duration
	var enableMetrics, help, log bool

	flag.Usage = usage
	flag.IntVar(&numNodes, "n", 4, "number of simulated ranks")
	flag.IntVar(&fanout, "fanout", 4, "spanning tree branching factor")
	flag.StringVar(&balancer, "balancer", "greedy", "load-balancing strategy: greedy or hierarchical")
	flag.IntVar(&hierarchicalFanout, "hfanout", 4, "hierarchical balancer's k-ary pool fanout")
	flag.Float64Var(&tolerance, "tolerance", 0, "imbalance tolerance below which a phase boundary skips rebalancing (0 uses the framework default)")
	flag.IntVar(&phases, "phases", 10, "number of phases to run (0 runs until interrupted)")
	flag.DurationVar(&phaseInterval, "phase-interval", 0, "pause between phases")
	flag.DurationVar(&idleInterval, "idle-interval", time.Millisecond, "scheduler idle-poll interval")
	flag.IntVar(&rdmaElemSize, "rdma-elem-size", 0, "bytes per element for RDMA handles (0 disables RDMA allocation)")
	flag.IntVar(&rdmaNumIndices, "rdma-num-indices", 0, "number of elements for the index-scoped RDMA handle (0 disables it)")
	flag.BoolVar(&enableMetrics, "m", false, "export load-balancing metrics to a Prometheus registry per rank")
	flag.StringVar(&statsDir, "stats-dir", "", "if set, write each rank's stats.WriteRecords output to <dir>/rank-<n>.csv on exit")
	flag.BoolVar(&help, "h", false, "Show usage information")
	flag.BoolVar(&log, "l", false, "Show logging output (for debugging)")
	flag.Parse()

	if help {
		usage()
		os.Exit(0)
	}

	if log {
		clog.Enable()
	}

	cfg := runtime.DefaultConfig(numNodes)
	cfg.Fanout = fanout
	cfg.IdleInterval = idleInterval
	cfg.HierarchicalFanout = hierarchicalFanout
	cfg.PhaseInterval = phaseInterval
	cfg.Phases = phases
	cfg.RDMAElemSize = rdmaElemSize
	cfg.RDMANumIndices = rdmaNumIndices
	cfg.EnableMetrics = enableMetrics
	if tolerance > 0 {
		cfg.Tolerance = tolerance
	}
	switch balancer {
	case "hierarchical":
		cfg.Balancer = runtime.BalancerHierarchical
	default:
		cfg.Balancer = runtime.BalancerGreedy
	}

	cluster, err := runtime.Bootstrap(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "vtrun: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Starting a %d-rank vtrun cluster (fanout %d, balancer %s)...\n", cfg.NumNodes, cfg.Fanout, balancer)

	signaled := make(chan struct{})
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer close(signaled)
		fmt.Printf("Terminating vtrun on signal %v...\n", <-sigCh)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	completed := make(chan error, 1)
	go func() { completed <- cluster.Run(ctx, cfg.Phases) }()

	var runErr error
	for {
		select {
		case <-signaled:
			signaled = nil
			cancel()
		case runErr = <-completed:
			if err := writeStats(cluster, statsDir); err != nil {
				fmt.Fprintf(os.Stderr, "vtrun: writing stats: %v\n", err)
			}
			if runErr == nil {
				runErr = finalizeAll(cluster)
			}
			if runErr != nil {
				fmt.Fprintf(os.Stderr, "vtrun: %v\n", runErr)
				os.Exit(1)
			}
			return
		}
	}
}

// finalizeAll returns the first fatal invariant violation any rank
// accumulated over the run, if any.
func finalizeAll(c *runtime.Cluster) error {
	for i := 0; i < c.NumNodes(); i++ {
		if err := c.Runtime(i).Finalize(); err != nil {
			return errors.Wrapf(err, "rank %d", i)
		}
	}
	return nil
}

func writeStats(c *runtime.Cluster, dir string) error {
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	for i := 0; i < c.NumNodes(); i++ {
		path := fmt.Sprintf("%s/rank-%d.csv", dir, i)
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		err = c.Runtime(i).Stats().WriteRecords(f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

func usage() {
	fmt.Printf(`usage: vtrun [-h|--help] [-l] [-m] [-n numNodes] [-fanout k] [-balancer greedy|hierarchical] [-phases n] [flags...]

Bootstraps a symmetric, in-process vtrun cluster of -n simulated ranks
and advances it through -phases phase boundaries (0 runs until
interrupted), running the configured load-balancing strategy at every
phase boundary.

Flags:
`)
	flag.PrintDefaults()
}
