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
	"github.com/apex/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	symbolsCmd.Flags().StringSliceP("section", "s", nil, "only symbols in these sections")
	symbolsCmd.Flags().BoolP("external", "e", false, "only external symbols")
	viper.BindPFlag("symbols.section", symbolsCmd.Flags().Lookup("section"))
	viper.BindPFlag("symbols.external", symbolsCmd.Flags().Lookup("external"))
	rootCmd.AddCommand(symbolsCmd)
}

var symbolsCmd = &cobra.Command{
	Use:           "symbols <IMAGE>",
	Aliases:       []string{"sym"},
	Short:         "List defined symbols ordered by address",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := openImage(args[0])
		if err != nil {
			return err
		}

		onlyExternal := viper.GetBool("symbols.external")
		syms := img.Symbols(viper.GetStringSlice("symbols.section")...)
		log.Debugf("%d symbols", len(syms))
		for _, sym := range syms {
			if onlyExternal && !sym.External {
				continue
			}
			printSymbol(cmd.OutOrStdout(), sym, 0)
		}
		return nil
	},
}
