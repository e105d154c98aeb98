package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/fatih/color"
	"github.com/gammadia/farmhand/api"
	"github.com/gammadia/farmhand/fleet"
	"github.com/spf13/cobra"
)

var imagesCmd = &cobra.Command{
	Use:   "images CLOUD TEMPLATE",
	Short: "List the images a template may launch from",
	Args:  cobra.ExactArgs(2),

	RunE: func(cmd *cobra.Command, args []string) error {
		var images api.Images
		path := fmt.Sprintf("/clouds/%s/templates/%s/images", url.PathEscape(args[0]), url.PathEscape(args[1]))
		if err := client.call(cmd.Context(), http.MethodGet, path, nil, &images); err != nil {
			return err
		}
		renderImages(cmd.OutOrStdout(), images)
		return nil
	},
}

// renderImages lists images newest first, marking the one launches use.
func renderImages(w io.Writer, images api.Images) {
	if len(images.Images) == 0 {
		fmt.Fprintln(w, "no image found")
		return
	}

	sorted := slices.Clone(images.Images)
	slices.SortFunc(sorted, func(a, b fleet.Image) int { return b.CreationDate.Compare(a.CreationDate) })
	for _, image := range sorted {
		marker := " "
		id := image.ID
		if image.ID == images.Selected {
			marker = "*"
			id = color.HiGreenString(image.ID)
		}
		fmt.Fprintf(w, "%s %-21s  %s  %s\n", marker, id, image.CreationDate.Format(time.DateOnly), image.Name)
	}
}
