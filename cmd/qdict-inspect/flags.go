package main

// flags.go parses qdict-inspect's command-line flags, adapted from the
// teacher's inspector CLI flag surface (target, watch interval, json output,
// pprof dump paths).
//
// © 2025 qdict authors. MIT License.

import (
	"flag"
	"time"
)

type options struct {
	target   string
	json     bool
	watch    bool
	interval time.Duration
	shard    int

	heapProfile      string
	goroutineProfile string

	version bool
}

func parseFlags() *options {
	opts := &options{}

	flag.StringVar(&opts.target, "target", "http://localhost:6060", "base URL of the target qdict process")
	flag.BoolVar(&opts.json, "json", false, "emit raw JSON instead of a pretty summary")
	flag.BoolVar(&opts.watch, "watch", false, "poll the snapshot endpoint repeatedly")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "poll interval when -watch is set")
	flag.IntVar(&opts.shard, "shard", -1, "print only this shard index's row (default: all shards)")
	flag.StringVar(&opts.heapProfile, "heap-profile", "", "download a heap pprof profile to this path and exit")
	flag.StringVar(&opts.goroutineProfile, "goroutine-profile", "", "download a goroutine pprof profile to this path and exit")
	flag.BoolVar(&opts.version, "version", false, "print the inspector's version and exit")

	flag.Parse()
	return opts
}
