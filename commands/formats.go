package commands

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"convertd/models"
	"convertd/router"
	"convertd/routes"
)

func formatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "Print the supported conversions and option keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return printFormats(cmd.OutOrStdout())
		},
	}
}

func printFormats(out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tCONVERTER\tTARGETS")
	for _, c := range router.Capabilities() {
		targets := make([]string, len(c.Targets))
		for i, t := range c.Targets {
			targets[i] = string(t)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", c.Source, c.Converter, strings.Join(targets, ", "))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "\nOptions: %s\n", strings.Join(models.OptionKeys(), ", "))
	return err
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			v := routes.Version()
			fmt.Fprintf(cmd.OutOrStdout(), "convertd %s (commit %s, built %s, %s)\n", v.Version, v.GitCommit, v.BuildTime, v.GoVersion)
		},
	}
}
