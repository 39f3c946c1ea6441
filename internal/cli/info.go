package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/roach88/atsh/internal/harness"
	"github.com/roach88/atsh/internal/schema"
)

// Info describes an ATS for operators and for the server's job editor.
type Info struct {
	Name        string                 `json:"name"`
	Version     string                 `json:"version"`
	Description string                 `json:"description,omitempty"`
	ProbePaths  []string               `json:"probe_paths"`
	CodecPaths  []string               `json:"codec_paths"`
	TACSPort    int                    `json:"tacs_port"`
	ILPort      int                    `json:"il_port"`
	Parameters  []schema.ParameterSpec `json:"parameters"`
}

func runInfo(opts *RootOptions, def harness.Definition, cmd *cobra.Command) error {
	m, err := def.Compile()
	if err != nil {
		return WrapExitError(ExitConfigError, "compile manifest", err)
	}

	info := Info{
		Name:        m.Name,
		Version:     m.Version,
		Description: m.Description,
		ProbePaths:  m.ProbePaths,
		CodecPaths:  m.CodecPaths,
		TACSPort:    m.TACSPort,
		ILPort:      m.ILPort,
		Parameters:  m.Schema.Specs(),
	}
	if info.Parameters == nil {
		info.Parameters = []schema.ParameterSpec{}
	}

	formatter := &OutputFormatter{Format: opts.Format, Writer: cmd.OutOrStdout()}
	return formatter.Success(info, info.render)
}

func (i Info) render(w io.Writer) error {
	fmt.Fprintf(w, "%s %s\n", i.Name, i.Version)
	if i.Description != "" {
		fmt.Fprintln(w, i.Description)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Probe paths: %s\n", strings.Join(i.ProbePaths, ", "))
	fmt.Fprintf(w, "Codec paths: %s\n", strings.Join(i.CodecPaths, ", "))
	fmt.Fprintf(w, "TACS port:   %d\n", i.TACSPort)
	fmt.Fprintf(w, "IL port:     %d\n", i.ILPort)

	if len(i.Parameters) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Parameters:")
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tTYPE\tDEFAULT\tDESCRIPTION")
	for _, p := range i.Parameters {
		def := ""
		if p.DefaultValue != nil {
			def = fmt.Sprint(p.DefaultValue)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.Name, p.Type, def, p.Description)
	}
	return tw.Flush()
}
