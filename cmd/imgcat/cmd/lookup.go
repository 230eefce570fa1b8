// This file is part of Interpose project, available at https://github.com/qrdl/interpose
// Copyright (c) 2024 Ilya Caramishev. All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at https://www.apache.org/licenses/LICENSE-2.0
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package cmd

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/qrdl/interpose/image"
)

func init() {
	rootCmd.AddCommand(lookupCmd)
	rootCmd.AddCommand(addrCmd)
}

var lookupCmd = &cobra.Command{
	Use:           "lookup <IMAGE> <NAME>...",
	Aliases:       []string{"l"},
	Short:         "Find symbols by name",
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := openImage(args[0])
		if err != nil {
			return err
		}
		for _, name := range args[1:] {
			sym, err := img.Lookup(name)
			if err != nil {
				return err
			}
			printSymbol(cmd.OutOrStdout(), sym, 0)
		}
		return nil
	},
}

var addrCmd = &cobra.Command{
	Use:           "addr <IMAGE> <ADDR>...",
	Aliases:       []string{"a"},
	Short:         "Symbolicate addresses",
	Args:          cobra.MinimumNArgs(2),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := openImage(args[0])
		if err != nil {
			return err
		}
		for _, arg := range args[1:] {
			addr, err := parseAddr(arg)
			if err != nil {
				return err
			}
			sym, ok := img.Nearest(addr)
			if !ok {
				return errors.Wrapf(image.ErrNotFound, "no symbol for %#x", addr)
			}
			printSymbol(cmd.OutOrStdout(), sym, addr-sym.Address)
		}
		return nil
	},
}
