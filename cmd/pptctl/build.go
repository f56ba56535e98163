package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ChaseRain/pptwizard/internal/service/session"
	"github.com/ChaseRain/pptwizard/internal/service/storage"
	"github.com/ChaseRain/pptwizard/internal/service/workflow"
	"github.com/ChaseRain/pptwizard/pkg/errors"
	"github.com/ChaseRain/pptwizard/pkg/util"
)

var (
	buildTemplate   string
	buildQuery      string
	buildContext    string
	buildContainers []string
	buildNoRAG      bool
	buildEdits      []string
	buildOutDir     string
	buildFileName   string
)

var buildCmd = &cobra.Command{
	Use:   "build",
	Short: "Generate slide content and build a presentation",
	Long: `Generate slide content for a template, apply edits and build the deck.

Edits use the form SLIDE:ELEMENT=TEXT and are applied in order, e.g.

  pptctl build --template consulting --query "Q3 review" --set 1:title="Q3 in numbers"`,
	Args: cobra.NoArgs,
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().StringVarP(&buildTemplate, "template", "t", "", "Template id (required)")
	buildCmd.Flags().StringVarP(&buildQuery, "query", "q", "", "What the presentation is about (required)")
	buildCmd.Flags().StringVar(&buildContext, "context", "", "Extra context for content generation")
	buildCmd.Flags().StringSliceVar(&buildContainers, "container", nil, "Knowledge base container ids")
	buildCmd.Flags().BoolVar(&buildNoRAG, "no-rag", false, "Do not search the knowledge base")
	buildCmd.Flags().StringArrayVar(&buildEdits, "set", nil, "Element edit SLIDE:ELEMENT=TEXT (repeatable)")
	buildCmd.Flags().StringVarP(&buildOutDir, "out", "o", "", "Download the built file into this directory")
	buildCmd.Flags().StringVar(&buildFileName, "name", "", "Output file name (default: generated)")
	buildCmd.MarkFlagRequired("template")
	buildCmd.MarkFlagRequired("query")
}

type elementEdit struct {
	slide   int
	element string
	text    string
}

// parseEdit reads SLIDE:ELEMENT=TEXT. TEXT may be empty and may contain '='.
func parseEdit(s string) (elementEdit, error) {
	target, text, ok := strings.Cut(s, "=")
	if !ok {
		return elementEdit{}, fmt.Errorf("edit %q: missing '='", s)
	}
	slide, element, ok := strings.Cut(target, ":")
	if !ok || strings.TrimSpace(element) == "" {
		return elementEdit{}, fmt.Errorf("edit %q: target must be SLIDE:ELEMENT", s)
	}
	index, err := strconv.Atoi(strings.TrimSpace(slide))
	if err != nil || index < 1 {
		return elementEdit{}, fmt.Errorf("edit %q: slide must be a positive number", s)
	}
	return elementEdit{slide: index, element: strings.TrimSpace(element), text: text}, nil
}

func runBuild(cmd *cobra.Command, args []string) error {
	edits := make([]elementEdit, 0, len(buildEdits))
	for _, raw := range buildEdits {
		e, err := parseEdit(raw)
		if err != nil {
			return err
		}
		edits = append(edits, e)
	}

	ctx, cancel := signalContext()
	defer cancel()

	svc, client := newBackend()
	opts := session.Options{
		Request: requestOptions(),
		Preview: previewOptions(),
	}
	if buildOutDir != "" {
		opts.Store = storage.New(storage.TypeLocal, buildOutDir, log)
	}

	id := "cli-" + util.RandomString(8)
	m := workflow.NewMachine(session.New(id, svc, client, opts, log), log)
	defer m.Close()

	stderr := cmd.ErrOrStderr()
	unsubscribe := m.Subscribe(progressPrinter(stderr))
	defer unsubscribe()

	err := m.ConfirmTemplate(ctx, session.GenerateInput{
		TemplateID:   buildTemplate,
		Query:        buildQuery,
		Context:      buildContext,
		ContainerIDs: buildContainers,
		UseRAG:       cfg.Backend.UseRAG && !buildNoRAG,
	})
	if err != nil {
		return userError("content generation failed", err)
	}

	for _, e := range edits {
		changed, err := m.SetElementText(e.slide, e.element, e.text)
		if err != nil {
			return userError("edit failed", err)
		}
		if !changed {
			fmt.Fprintf(stderr, "warning: no element %s on slide %d, edit skipped\n", e.element, e.slide)
		}
	}

	art, err := m.ConfirmBuild(ctx, buildFileName)
	if err != nil {
		return userError("build failed", err)
	}
	return printArtifact(cmd.OutOrStdout(), svc.Resolve(art.FileURL), art)
}

// progressPrinter reports each stage of content generation once.
func progressPrinter(w io.Writer) func(workflow.View) {
	printed := make(map[string]session.StepStatus)
	return func(v workflow.View) {
		for _, st := range v.Session.Steps {
			if printed[st.ID] == st.Status || st.Status == session.StepPending {
				continue
			}
			printed[st.ID] = st.Status
			fmt.Fprintf(w, "[%s] %s\n", st.Status, st.Message)
		}
	}
}

func printArtifact(w io.Writer, fileURL string, art *session.Artifact) error {
	fmt.Fprintf(w, "file:     %s\n", art.FileName)
	fmt.Fprintf(w, "url:      %s\n", fileURL)
	if art.PreviewURL != "" {
		fmt.Fprintf(w, "preview:  %s\n", art.PreviewURL)
	}
	if art.LocalPath != "" {
		fmt.Fprintf(w, "saved to: %s\n", art.LocalPath)
	}
	return nil
}

func userError(what string, err error) error {
	if errors.Is(err, errors.ErrCodeCancelled) {
		fmt.Fprintln(os.Stderr, "cancelled")
		return err
	}
	return fmt.Errorf("%s: %s", what, errors.UserMessage(err))
}
