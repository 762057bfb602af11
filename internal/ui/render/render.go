// Package render formats resolution results and traces for the terminal.
package render

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/zboralski/dewrap/internal/process"
	"github.com/zboralski/dewrap/internal/resolver"
	"github.com/zboralski/dewrap/internal/trace"
)

// IDA-style theme colors
const (
	idaAddress = "#808080" // gray for addresses
	idaLabel   = "#FFC800" // yellow for labels/function names
	idaComment = "#FF8000" // orange for comments
	idaString  = "#00FF00" // green for success
	idaNumber  = "#FF80C0" // pink for numbers
)

var (
	addrStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(idaAddress))
	nameStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(idaLabel))
	okStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(idaString))
	failStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	tagStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(idaComment))
	numStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(idaNumber))
)

// Addr formats an address in the shared gray style.
func Addr(addr uint64) string {
	return addrStyle.Render(fmt.Sprintf("%#014x", addr))
}

// Result renders one resolution outcome as a single line.
func Result(wrapper uint64, res resolver.Result) string {
	var b strings.Builder
	b.WriteString(Addr(wrapper))
	b.WriteString("  ")
	if !res.Resolved {
		b.WriteString(failStyle.Render("unresolved"))
		return b.String()
	}
	b.WriteString(okStyle.Render("->"))
	b.WriteString("  ")
	b.WriteString(Addr(res.Target))
	if res.Export.Name != "" {
		b.WriteString("  ")
		b.WriteString(nameStyle.Render(res.Export.Name))
		if res.Export.Module != "" {
			b.WriteString(tagStyle.Render("  ; " + res.Export.Module))
		}
	}
	return b.String()
}

// Event renders one trace event, indented under its result line.
func Event(e *trace.Event) string {
	var b strings.Builder
	b.WriteString("    ")
	b.WriteString(Addr(e.PC))
	b.WriteString("  ")
	b.WriteString(tagStyle.Render(strings.Join(e.Tags.Strings(), " ")))
	if e.Name != "" {
		b.WriteString("  ")
		b.WriteString(nameStyle.Render(e.Name))
	}
	if e.Detail != "" {
		b.WriteString("  ")
		b.WriteString(e.Detail)
	}
	return b.String()
}

// Export renders one export snapshot entry.
func Export(e process.Export) string {
	var b strings.Builder
	b.WriteString(Addr(e.Address))
	b.WriteString("  ")
	if e.Name != "" {
		b.WriteString(nameStyle.Render(e.Name))
	} else {
		b.WriteString(numStyle.Render(fmt.Sprintf("#%d", e.Ordinal)))
	}
	if e.Module != "" {
		b.WriteString(tagStyle.Render("  ; " + e.Module))
	}
	return b.String()
}
