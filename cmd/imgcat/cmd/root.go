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
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/qrdl/interpose/image"
)

var (
	// Verbose boolean flag for verbose logging
	Verbose bool
	// Color boolean flag for colorized output
	Color bool
)

var (
	colorName    = color.New(color.Bold).SprintFunc()
	colorAddr    = color.New(color.FgHiBlue).SprintFunc()
	colorSection = color.New(color.Faint, color.FgCyan).SprintFunc()
	colorHeader  = color.New(color.FgMagenta, color.Bold).SprintfFunc()
)

var rootCmd = &cobra.Command{
	Use:   "imgcat",
	Short: "Inspect executable images the way interpose sees them",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if viper.GetBool("verbose") {
			log.SetLevel(log.DebugLevel)
		}
		color.NoColor = !viper.GetBool("color")
	},
}

// Execute runs the root command and exits with a non-zero status on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err.Error())
		os.Exit(1)
	}
}

func init() {
	log.SetHandler(clihandler.Default)

	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().BoolVarP(&Verbose, "verbose", "V", false, "verbose output")
	rootCmd.PersistentFlags().BoolVar(&Color, "color", false, "colorize output")
	viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
	viper.BindPFlag("color", rootCmd.PersistentFlags().Lookup("color"))
	viper.BindEnv("color", "CLICOLOR")

	rootCmd.CompletionOptions.HiddenDefaultCmd = true
}

func initConfig() {
	viper.SetEnvPrefix("imgcat")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()
}

func openImage(path string) (*image.Image, error) {
	log.WithField("path", path).Debug("opening image")
	img, err := image.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", path)
	}
	log.WithFields(log.Fields{
		"format":   img.Format,
		"sections": len(img.Sections()),
	}).Debug("image opened")
	return img, nil
}

// parseAddr accepts decimal, 0x-prefixed hex and bare hex addresses.
func parseAddr(s string) (uintptr, error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		v, err = strconv.ParseUint(strings.TrimPrefix(strings.ToLower(s), "0x"), 16, 64)
	}
	if err != nil {
		return 0, errors.Errorf("invalid address %q", s)
	}
	return uintptr(v), nil
}

func printSymbol(w io.Writer, sym image.Symbol, off uintptr) {
	name := colorName(sym.Name)
	if off != 0 {
		name += fmt.Sprintf("+%#x", off)
	}
	binding := "local"
	if sym.External {
		binding = "external"
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", colorAddr(fmt.Sprintf("%#x", sym.Address)), name, colorSection(sym.Section), binding)
}
