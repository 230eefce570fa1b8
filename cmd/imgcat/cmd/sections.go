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
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(sectionsCmd)
}

var sectionsCmd = &cobra.Command{
	Use:           "sections <IMAGE>",
	Aliases:       []string{"s"},
	Short:         "List image sections",
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		img, err := openImage(args[0])
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 1, ' ', tabwriter.DiscardEmptyColumns)
		fmt.Fprintln(w, colorHeader("[ %s %s ] %s", img.Format, img.Path, strings.Repeat("-", 30)))
		for _, s := range img.Sections() {
			fmt.Fprintf(w, "%s\t%s-%s\t%s\n", colorSection(s.Name),
				colorAddr(fmt.Sprintf("%#x", s.Start)), colorAddr(fmt.Sprintf("%#x", s.End())), humanize.Bytes(s.Size))
		}
		return w.Flush()
	},
}
