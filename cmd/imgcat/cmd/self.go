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
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qrdl/interpose/image"
)

func init() {
	selfCmd.Flags().BoolP("all", "a", false, "include system images")
	viper.BindPFlag("self.all", selfCmd.Flags().Lookup("all"))
	rootCmd.AddCommand(selfCmd)
}

var selfCmd = &cobra.Command{
	Use:           "self [NAME]...",
	Short:         "Show the images mapped into imgcat itself",
	Long:          "Builds the live catalog of the running process and optionally symbolicates names in it.",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		var opts image.Options
		if viper.GetBool("self.all") {
			opts.Exclude = []string{}
		}
		c, err := image.Load(opts)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
		for _, img := range c.Images() {
			text := "-"
			if s, ok := img.TextSection(); ok {
				text = humanize.Bytes(s.Size)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d symbols\n", colorAddr(fmt.Sprintf("%#x", img.Base)), colorName(img.Path), text, len(img.Symbols()))
		}
		if err := w.Flush(); err != nil {
			return err
		}

		for _, name := range args {
			sym, err := c.Lookup(name)
			if err != nil {
				return err
			}
			printSymbol(cmd.OutOrStdout(), sym, 0)
		}
		return nil
	},
}
