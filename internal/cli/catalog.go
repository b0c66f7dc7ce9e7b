package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/davidthor/mdctl/pkg/catalog"
)

// catalogEntryView is the rendered form of a catalog entry.
type catalogEntryView struct {
	ModelID        string   `json:"model_id" yaml:"model_id"`
	Description    string   `json:"description,omitempty" yaml:"description,omitempty"`
	Engines        []string `json:"engines" yaml:"engines"`
	Instances      []string `json:"instances" yaml:"instances"`
	Services       []string `json:"services" yaml:"services"`
	Frameworks     []string `json:"frameworks" yaml:"frameworks"`
	AllowedRegions []string `json:"allowed_regions,omitempty" yaml:"allowed_regions,omitempty"`
}

func newCatalogEntryView(e *catalog.Entry) catalogEntryView {
	return catalogEntryView{
		ModelID:        e.ModelID,
		Description:    e.Description,
		Engines:        e.Engines,
		Instances:      e.Instances,
		Services:       e.Services,
		Frameworks:     e.Frameworks,
		AllowedRegions: e.AllowedRegions,
	}
}

func newCatalogCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Inspect the model catalog",
		Long: `Inspect the models mdctl can deploy and the variants each one supports.

The built-in catalog can be replaced with 'mdctl config set catalog <path>'.`,
	}

	cmd.AddCommand(newCatalogListCmd())
	cmd.AddCommand(newCatalogShowCmd())

	return cmd
}

func newCatalogListCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List deployable models",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog()
			if err != nil {
				return err
			}
			return listCatalog(cmd.OutOrStdout(), cat, outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

func listCatalog(out io.Writer, cat *catalog.Catalog, format string) error {
	var views []catalogEntryView
	for _, id := range cat.Models() {
		e, _ := cat.Entry(id)
		views = append(views, newCatalogEntryView(e))
	}

	return writeOutput(out, format, views, func(w io.Writer) error {
		if len(views) == 0 {
			fmt.Fprintln(w, "The catalog is empty.")
			return nil
		}
		fmt.Fprintf(w, "%-44s %-12s %-18s %s\n", "MODEL", "ENGINE", "INSTANCE", "SERVICE")
		for _, v := range views {
			fmt.Fprintf(w, "%-44s %-12s %-18s %s\n",
				truncateString(v.ModelID, 44),
				first(v.Engines),
				first(v.Instances),
				first(v.Services),
			)
		}
		return nil
	})
}

func newCatalogShowCmd() *cobra.Command {
	var outputFormat string

	cmd := &cobra.Command{
		Use:   "show <model-id>",
		Short: "Show the variants a model supports",
		Long: `Show the variants a model supports. The first variant of each kind is the
default used when deploy is not told otherwise.

Examples:
  mdctl catalog show Qwen2.5-7B-Instruct`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := loadCatalog()
			if err != nil {
				return err
			}
			return showCatalogEntry(cmd.OutOrStdout(), cat, args[0], outputFormat)
		},
	}

	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, json, yaml")

	return cmd
}

func showCatalogEntry(out io.Writer, cat *catalog.Catalog, modelID, format string) error {
	e, ok := cat.Entry(modelID)
	if !ok {
		return fmt.Errorf("model %q is not in the catalog; run 'mdctl catalog list'", modelID)
	}
	view := newCatalogEntryView(e)

	return writeOutput(out, format, view, func(w io.Writer) error {
		fmt.Fprintf(w, "Model: %s\n", view.ModelID)
		if view.Description != "" {
			fmt.Fprintf(w, "Description: %s\n", view.Description)
		}
		if len(view.AllowedRegions) > 0 {
			fmt.Fprintf(w, "Regions: %s\n", strings.Join(view.AllowedRegions, ", "))
		}
		for _, kind := range []catalog.Kind{catalog.KindEngine, catalog.KindInstance, catalog.KindService, catalog.KindFramework} {
			fmt.Fprintf(w, "\n%ss:\n", strings.ToUpper(kind.String()[:1])+kind.String()[1:])
			for i, tag := range e.Supported(kind) {
				if i == 0 {
					fmt.Fprintf(w, "  %s (default)\n", tag)
				} else {
					fmt.Fprintf(w, "  %s\n", tag)
				}
			}
		}
		return nil
	})
}

func first(tags []string) string {
	if len(tags) == 0 {
		return "-"
	}
	return tags[0]
}
