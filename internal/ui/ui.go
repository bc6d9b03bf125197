// Package ui prints the colored terminal output of the probeviz tools.
package ui

import (
	"fmt"
	"strings"

	"github.com/fatih/color"
	"github.com/lucasb-eyer/go-colorful"
)

// Colors.
var (
	Brand  = color.New(color.FgHiRed, color.Bold)
	Subtle = color.New(color.FgHiBlack)
	Warn   = color.New(color.FgYellow)
	Info   = color.New(color.FgCyan)
	Good   = color.New(color.FgGreen)
	Bad    = color.New(color.FgRed)
)

// Banner prints the tool name and a subtitle.
func Banner(tool, subtitle string) {
	fmt.Printf("%s %s\n\n", Brand.Sprint(tool), Subtle.Sprint(subtitle))
}

// Field prints one aligned label and value.
func Field(label string, value any) {
	fmt.Printf("  %s  %v\n", Brand.Sprintf("%-14s", label), value)
}

// Table prints a simple aligned table.
func Table(headers []string, rows [][]string) {
	if len(rows) == 0 {
		return
	}

	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	headerLine := "  "
	sepLine := "  "
	for i, h := range headers {
		headerLine += fmt.Sprintf("%-*s  ", widths[i], h)
		sepLine += strings.Repeat("─", widths[i]) + "  "
	}
	Subtle.Println(headerLine)
	Subtle.Println(sepLine)

	for _, row := range rows {
		line := "  "
		for i, cell := range row {
			if i < len(widths) {
				line += fmt.Sprintf("%-*s  ", widths[i], cell)
			}
		}
		fmt.Println(line)
	}
}

// StatusIcon returns a check mark or a cross.
func StatusIcon(ok bool) string {
	if ok {
		return Good.Sprint("✓")
	}
	return Bad.Sprint("✗")
}

// Swatch renders a hex color as a colored block followed by its code.
// Colors that are not #rrggbb are printed as-is.
func Swatch(hex string) string {
	c, err := colorful.Hex(hex)
	if err != nil {
		return hex
	}
	r, g, b := c.RGB255()
	return color.RGB(int(r), int(g), int(b)).Sprint("██") + " " + hex
}
