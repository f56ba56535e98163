package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ChaseRain/pptwizard/internal/service/backend"
)

var templatesCmd = &cobra.Command{
	Use:   "templates",
	Short: "List the presentation templates offered by the backend",
	Args:  cobra.NoArgs,
	RunE:  runTemplates,
}

func runTemplates(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	svc, _ := newBackend()
	templates, err := svc.ListTemplates(ctx, previewOptions())
	if err != nil {
		return fmt.Errorf("failed to list templates: %w", err)
	}
	return printTemplates(cmd.OutOrStdout(), templates)
}

func printTemplates(out io.Writer, templates []backend.Template) error {
	if len(templates) == 0 {
		_, err := fmt.Fprintln(out, "no templates available")
		return err
	}
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSLIDES\tDESCRIPTION")
	for _, t := range templates {
		slides := "-"
		if t.SlideCount > 0 {
			slides = fmt.Sprint(t.SlideCount)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, slides, t.Description)
	}
	return w.Flush()
}
