package main

import "flag"

// Options holds CLI options for the server.
type Options struct {
	ConfigPath  string
	Model       string
	Addr        string
	PrintConfig bool
}

// ParseFlags parses CLI flags from args and returns Options. Model and Addr override the
// config file when set.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("polyrpc-server", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Model, "model", "", "Execution model: blocking|threaded|reactor|eventloop|datagram")
	fs.StringVar(&opts.Addr, "addr", "", "Listen address, e.g. :9000")
	fs.BoolVar(&opts.PrintConfig, "print-config", false, "Print the effective config as YAML and exit")
	_ = fs.Parse(args)
	return opts
}
