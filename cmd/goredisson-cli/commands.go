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
	"time"

	"github.com/nabbar/goredisson"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	colorOK   = color.New(color.FgGreen)
	colorNil  = color.New(color.FgYellow)
	colorFail = color.New(color.FgRed)
)

func newGetCommand(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "get <key>",
		Short: "Read a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(ctx context.Context, c *goredisson.Client) error {
				val, ok, err := c.Get(ctx, args[0])
				if err != nil {
					colorFail.Fprintln(cmd.ErrOrStderr(), err)
					return err
				}
				if !ok {
					colorNil.Fprintln(cmd.OutOrStdout(), "(nil)")
					return nil
				}
				colorOK.Fprintln(cmd.OutOrStdout(), string(val))
				return nil
			})
		},
	}
}

func newSetCommand(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Write a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(ctx context.Context, c *goredisson.Client) error {
				if err := c.Set(ctx, args[0], []byte(args[1])); err != nil {
					colorFail.Fprintln(cmd.ErrOrStderr(), err)
					return err
				}
				colorOK.Fprintln(cmd.OutOrStdout(), "OK")
				return nil
			})
		},
	}
}

func newDelCommand(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "del <key>",
		Short: "Delete a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(ctx context.Context, c *goredisson.Client) error {
				removed, err := c.Del(ctx, args[0])
				if err != nil {
					colorFail.Fprintln(cmd.ErrOrStderr(), err)
					return err
				}
				if removed {
					colorOK.Fprintln(cmd.OutOrStdout(), "(1) removed")
				} else {
					colorNil.Fprintln(cmd.OutOrStdout(), "(0) no such key")
				}
				return nil
			})
		},
	}
}

func newPingCommand(f *cliFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Round-trip a probe key through SET/GET/DEL to confirm the topology is reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(ctx context.Context, c *goredisson.Client) error {
				key := "goredisson-cli:ping"
				if err := c.Set(ctx, key, []byte("pong")); err != nil {
					colorFail.Fprintln(cmd.ErrOrStderr(), err)
					return err
				}
				val, ok, err := c.Get(ctx, key)
				if err != nil {
					colorFail.Fprintln(cmd.ErrOrStderr(), err)
					return err
				}
				if !ok || string(val) != "pong" {
					err := fmt.Errorf("ping: unexpected round-trip value %q", val)
					colorFail.Fprintln(cmd.ErrOrStderr(), err)
					return err
				}
				_, _ = c.Del(ctx, key)
				colorOK.Fprintln(cmd.OutOrStdout(), "PONG")
				return nil
			})
		},
	}
}

func newLockCommand(f *cliFlags) *cobra.Command {
	var lease time.Duration

	cmd := &cobra.Command{
		Use:   "lock <name>",
		Short: "Acquire then immediately release a named lock, to check C6 scripted primitives are reachable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(f, func(ctx context.Context, c *goredisson.Client) error {
				l := c.NewLock(args[0], lease)
				holder, err := l.Lock(ctx)
				if err != nil {
					colorFail.Fprintln(cmd.ErrOrStderr(), err)
					return err
				}
				colorOK.Fprintln(cmd.OutOrStdout(), "locked")
				if err := l.Unlock(ctx, holder); err != nil {
					colorFail.Fprintln(cmd.ErrOrStderr(), err)
					return err
				}
				colorOK.Fprintln(cmd.OutOrStdout(), "unlocked")
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&lease, "lease", 30*time.Second, "lock lease timeout")
	return cmd
}
