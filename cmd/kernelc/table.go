package main

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"

	"github.com/gogpu/kernelc"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)
)

func newTable(alignments ...lipgloss.Position) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := evenRowStyle
			switch {
			case row < 0:
				return headerRowStyle
			case row%2 == 0:
				s = oddRowStyle
			}
			alignment := lipgloss.Left
			if col < len(alignments) {
				alignment = alignments[col]
			}
			return s.Align(alignment)
		})
}

// kernelTable summarizes every kernel of every device.
func kernelTable(prog *kernelc.Program) *lgtable.Table {
	t := newTable(lipgloss.Left, lipgloss.Left, lipgloss.Left, lipgloss.Right, lipgloss.Center,
		lipgloss.Right, lipgloss.Right, lipgloss.Right)
	t.Headers("Device", "Kernel", "Arguments", "Local memory", "Work-group", "Regions", "Vector", "Object")
	for _, b := range prog.Builds {
		for _, k := range b.Kernels {
			d := k.Descriptor
			args := make([]string, len(d.Args))
			for i, a := range d.Args {
				args[i] = a.Kind().String()
			}
			wg := fmt.Sprintf("≤%d", k.Capacity)
			if k.LocalSize[0] != 0 {
				wg = fmt.Sprintf("%dx%dx%d", k.LocalSize[0], k.LocalSize[1], k.LocalSize[2])
			}
			t.Row(
				b.Device.Name,
				d.Name,
				strings.Join(args, " "),
				humanize.Bytes(d.LocalMemSize()),
				wg,
				fmt.Sprint(k.Regions),
				fmt.Sprint(k.Vectorized),
				humanize.Bytes(uint64(len(k.Object))),
			)
		}
	}
	return t
}
