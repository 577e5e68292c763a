package bytecode

import (
	_ "embed"
	"fmt"
	"io"
	"strings"
	"text/template"

	"github.com/rhino1998/sanskrit/pkg/hash"
)

//go:embed descriptor.tmpl
var tmplText string

type dumpLine struct {
	Depth int
	Text  string
}

type dumpFunc struct {
	Header string
	Lines  []dumpLine
}

type dumpContext struct {
	*Descriptor
	Digest    hash.Hash
	Root      int
	Functions []dumpFunc
}

// Dump writes a human readable listing of d.
func Dump(w io.Writer, d *Descriptor) error {
	h, err := d.Hash()
	if err != nil {
		return err
	}

	ctx := dumpContext{
		Descriptor: d,
		Digest:     h,
		Root:       int(d.Root),
	}

	for _, f := range d.Functions {
		var df dumpFunc
		switch f := f.(type) {
		case *Exp:
			df.Header = fmt.Sprintf("(%d) -> %d", f.Params, f.Results)
			df.Lines = dumpExp(nil, f, 1)
		case External:
			df.Header = fmt.Sprintf("(%d) -> %d %s", f.Params, f.Results, f)
		}
		ctx.Functions = append(ctx.Functions, df)
	}

	funcMap := template.FuncMap{
		"indent": func(depth int) string {
			return strings.Repeat("  ", depth)
		},
	}

	tmpl, err := template.New("descriptor.tmpl").Funcs(funcMap).Parse(tmplText)
	if err != nil {
		return err
	}

	return tmpl.Execute(w, &ctx)
}

func dumpExp(lines []dumpLine, e *Exp, depth int) []dumpLine {
	for _, op := range e.Ops {
		lines = append(lines, dumpLine{Depth: depth, Text: op.String()})

		switch op := op.(type) {
		case Let:
			lines = dumpExp(lines, op.Exp, depth+1)
		case Switch:
			for i, b := range op.Branches {
				lines = append(lines, dumpLine{Depth: depth, Text: fmt.Sprintf("case #%d:", i)})
				lines = dumpExp(lines, b, depth+1)
			}
		case Try:
			lines = dumpExp(lines, op.Body, depth+1)
			lines = append(lines, dumpLine{Depth: depth, Text: "ok:"})
			lines = dumpExp(lines, op.Success, depth+1)
			lines = append(lines, dumpLine{Depth: depth, Text: "rollback:"})
			lines = dumpExp(lines, op.Failure, depth+1)
		}
	}
	return lines
}
