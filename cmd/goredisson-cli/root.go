/*
 * MIT License
 *
 * Copyright (c) 2020 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/nabbar/goredisson"
	"github.com/nabbar/goredisson/config"
	"github.com/nabbar/goredisson/conn"
	"github.com/nabbar/goredisson/logger"
	"github.com/spf13/cobra"
)

// cliFlags holds every persistent flag; cobra populates it while parsing
// the command line, after which connect() builds the Client the leaf
// commands use.
type cliFlags struct {
	configFile string
	mode       string
	addr       string
	replicas   []string
	sentinels  []string
	masterName string
	verbose    int

	user        string
	askPassword bool
}

func newRootCommand() *cobra.Command {
	f := &cliFlags{}

	root := &cobra.Command{
		Use:           "goredisson-cli",
		Short:         "Diagnostic client for a goredisson data grid",
		Long:          "goredisson-cli connects to a single node, a replicated pair, or a sentinel-monitored master and runs one command against it.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&f.configFile, "config", "c", "", "path to a YAML config file overlaying the built-in defaults")
	root.PersistentFlags().StringVar(&f.mode, "mode", "single", "topology mode: single, replicated or sentinel")
	root.PersistentFlags().StringVar(&f.addr, "addr", "127.0.0.1:6379", "master address (single/replicated) or ignored in sentinel mode")
	root.PersistentFlags().StringSliceVar(&f.replicas, "replica", nil, "replica address, repeatable (replicated mode)")
	root.PersistentFlags().StringSliceVar(&f.sentinels, "sentinel", nil, "sentinel address, repeatable (sentinel mode)")
	root.PersistentFlags().StringVar(&f.masterName, "master-name", "mymaster", "monitored master name (sentinel mode)")
	root.PersistentFlags().CountVarP(&f.verbose, "verbose", "v", "enable verbose logging (multi allowed: -v, -vv, -vvv)")
	root.PersistentFlags().StringVar(&f.user, "user", "", "username attached to every endpoint (requires --ask-password)")
	root.PersistentFlags().BoolVar(&f.askPassword, "ask-password", false, "prompt for a password (masked); config files carry no password")

	root.AddCommand(
		newGetCommand(f),
		newSetCommand(f),
		newDelCommand(f),
		newPingCommand(f),
		newLockCommand(f),
	)

	return root
}

func logLevel(verbose int) logger.Level {
	switch {
	case verbose >= 2:
		return logger.DebugLevel
	case verbose == 1:
		return logger.InfoLevel
	default:
		return logger.WarnLevel
	}
}

func parseEndpoint(addr string) (conn.Endpoint, error) {
	i := strings.LastIndex(addr, ":")
	if i <= 0 {
		return conn.Endpoint{}, fmt.Errorf("invalid address %q, want host:port", addr)
	}
	host, portStr := addr[:i], addr[i+1:]
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return conn.Endpoint{}, fmt.Errorf("invalid port in %q: %w", addr, err)
	}
	return conn.Endpoint{Host: host, Port: port}, nil
}

func parseEndpoints(addrs []string) ([]conn.Endpoint, error) {
	out := make([]conn.Endpoint, 0, len(addrs))
	for _, a := range addrs {
		ep, err := parseEndpoint(a)
		if err != nil {
			return nil, err
		}
		out = append(out, ep)
	}
	return out, nil
}

// connect loads Options from f.configFile and dials the topology f.mode
// describes, returning a ready Client the caller must Close.
func connect(ctx context.Context, f *cliFlags) (*goredisson.Client, error) {
	opt, err := config.Load(f.configFile)
	if err != nil {
		return nil, err
	}

	log := logger.New(logLevel(f.verbose))

	password, err := passwordFor(f)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(f.mode) {
	case "single":
		master, err := parseEndpoint(f.addr)
		if err != nil {
			return nil, err
		}
		master = master.WithAuth(f.user, password)
		c, lerr := goredisson.Single(ctx, opt, master, nil, log)
		if lerr != nil {
			return nil, lerr
		}
		return c, nil

	case "replicated":
		master, err := parseEndpoint(f.addr)
		if err != nil {
			return nil, err
		}
		master = master.WithAuth(f.user, password)
		replicas, err := parseEndpoints(f.replicas)
		if err != nil {
			return nil, err
		}
		replicas = withAuthAll(replicas, f.user, password)
		c, lerr := goredisson.Single(ctx, opt, master, replicas, log)
		if lerr != nil {
			return nil, lerr
		}
		return c, nil

	case "sentinel":
		sentinels, err := parseEndpoints(f.sentinels)
		if err != nil {
			return nil, err
		}
		if len(sentinels) == 0 {
			return nil, fmt.Errorf("sentinel mode requires at least one --sentinel address")
		}
		sentinels = withAuthAll(sentinels, f.user, password)
		c, lerr := goredisson.Sentinel(ctx, opt, sentinels, f.masterName, sentinelQueryOverRESP, log)
		if lerr != nil {
			return nil, lerr
		}
		return c, nil

	default:
		return nil, fmt.Errorf("unsupported --mode %q (want single, replicated or sentinel; cluster bootstrap isn't wired into this CLI)", f.mode)
	}
}

// passwordFor returns the password to attach to every endpoint: prompted and masked via
// term.ReadPassword when --ask-password is set, empty otherwise (config
// files carry no credentials of their own — this CLI is a diagnostic tool,
// not a place to persist secrets).
func passwordFor(f *cliFlags) (string, error) {
	if !f.askPassword {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "Password: ")
	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return string(pw), nil
}

func withAuthAll(eps []conn.Endpoint, user, password string) []conn.Endpoint {
	for i := range eps {
		eps[i] = eps[i].WithAuth(user, password)
	}
	return eps
}

// withClient is the common leaf-command wrapper: connect, run fn, always
// close, with a bounded connect timeout so a wrong --addr fails fast.
func withClient(f *cliFlags, fn func(ctx context.Context, c *goredisson.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := connect(ctx, f)
	if err != nil {
		return err
	}
	defer c.Close()

	return fn(context.Background(), c)
}
