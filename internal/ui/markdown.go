package ui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/glamour"
)

// FprintMarkdown renders md wrapped at width to w, falling back to raw text.
func FprintMarkdown(w io.Writer, md string, width int) {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}

	out, err := renderer.Render(md)
	if err != nil {
		fmt.Fprintln(w, md)
		return
	}

	fmt.Fprint(w, out)
}
