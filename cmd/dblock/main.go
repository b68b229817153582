// Copyright 2024 The acquirecloud Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// The dblock command is the operational tool around the PostgreSQL lock
// table: it installs the table, shows the current grants, finds and reclaims
// the ghost rows, and can hold a lock interactively for maintenance windows.
package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"syscall"
	"time"

	context2 "github.com/acquirecloud/dblock/golibs/context"
	"github.com/acquirecloud/dblock/golibs/errors"
	"github.com/acquirecloud/dblock/pkg/lock"
	"github.com/acquirecloud/dblock/pkg/service"
	"github.com/spf13/cobra"
)

var (
	cfgFile     string
	secretsFile string
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dblock",
		Short:         "dblock manages the database-backed advisory locks",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "path to the config file (.yaml or .json)")
	root.PersistentFlags().StringVar(&secretsFile, "secrets", "", "path to the flat JSON file with the secret overrides")
	root.AddCommand(installCmd(), listCmd(), ghostsCmd(), reapCmd(), holdCmd())
	return root
}

// withService builds the service for the command run and tears it down after
func withService(ctx context.Context, f func(ctx context.Context, s *service.Service) error) error {
	cfg, err := service.BuildConfig(cfgFile, secretsFile)
	if err != nil {
		return err
	}
	s, err := service.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Shutdown()
	return f(ctx, s)
}

func installCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install",
		Short: "create the lock table if it does not exist yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withService(cmd.Context(), func(ctx context.Context, s *service.Service) error {
				if err := s.Table.Install(ctx); err != nil {
					return err
				}
				fmt.Println("the lock table is ready")
				return nil
			})
		},
	}
}

func listCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list [pattern]",
		Short: "print the lock grants whose resources match the glob pattern",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pattern := "*"
			if len(args) > 0 {
				pattern = args[0]
			}
			return withService(cmd.Context(), func(ctx context.Context, s *service.Service) error {
				recs, err := s.Manager.Scan(ctx, pattern)
				if err != nil {
					return err
				}
				printRecords(recs)
				return nil
			})
		},
	}
}

func ghostsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ghosts [resource]",
		Short: "print the expired grants whose holders are gone",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := ""
			if len(args) > 0 {
				resource = args[0]
			}
			return withService(cmd.Context(), func(ctx context.Context, s *service.Service) error {
				recs, err := s.Manager.Ghosts(ctx, resource)
				if err != nil {
					return err
				}
				printRecords(recs)
				return nil
			})
		},
	}
}

func reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap [resource]",
		Short: "remove the ghost grants",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := ""
			if len(args) > 0 {
				resource = args[0]
			}
			return withService(cmd.Context(), func(ctx context.Context, s *service.Service) error {
				if s.Manager.DropGhosts(ctx, resource) {
					fmt.Println("the ghost grants are removed")
				} else {
					fmt.Println("nothing to remove")
				}
				return nil
			})
		},
	}
}

func holdCmd() *cobra.Command {
	var (
		levelName  string
		expiration time.Duration
		blocking   bool
	)
	cmd := &cobra.Command{
		Use:   "hold <resource>",
		Short: "acquire the lock and hold it until the process is interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resource := args[0]
			level, err := parseLevel(levelName)
			if err != nil {
				return err
			}
			ctx := context2.NewSignalsContext(os.Interrupt, syscall.SIGTERM)
			return withService(ctx, func(ctx context.Context, s *service.Service) error {
				if !s.Manager.Acquire(ctx, resource, level, blocking, expiration) {
					return fmt.Errorf("could not acquire the %s lock for %q", level, resource)
				}
				fmt.Printf("holding the %s lock for %q, press Ctrl+C to release\n", level, resource)
				<-ctx.Done()
				if s.Manager.Release(context.Background(), resource) {
					fmt.Printf("released %q\n", resource)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&levelName, "level", "write", "the lock level, read or write")
	cmd.Flags().DurationVar(&expiration, "expiration", 0, "auto-expire the lock after the duration, 0 means never")
	cmd.Flags().BoolVar(&blocking, "blocking", false, "wait until the lock can be granted")
	return cmd
}

func parseLevel(s string) (lock.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "read":
		return lock.Read, nil
	case "write":
		return lock.Write, nil
	}
	return 0, fmt.Errorf("unknown lock level %q, expecting read or write: %w", s, errors.ErrInvalid)
}

func printRecords(recs []lock.Record) {
	if len(recs) == 0 {
		fmt.Println("no grants found")
		return
	}
	for _, r := range recs {
		fmt.Println(r.String())
	}
}
