package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/ast"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/format"
)

// CUEParser reads and writes configuration files written in CUE. The file
// is unified with the #File schema, so CUE constraints and defaults written
// by the user apply before decoding.
type CUEParser struct {
	ctx    *cue.Context
	schema cue.Value
}

// NewCUEParser creates a new CUE parser.
func NewCUEParser() *CUEParser {
	ctx := cuecontext.New()
	schema := ctx.CompileString(builtinFileSchema, cue.Filename("file.cue")).
		LookupPath(cue.MakePath(cue.Def("File")))
	return &CUEParser{
		ctx:    ctx,
		schema: schema,
	}
}

// Parse evaluates CUE source into a File. Errors carry file positions.
func (cp *CUEParser) Parse(data []byte, filename string) (*File, error) {
	if err := cp.schema.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	val := cp.ctx.CompileBytes(data, cue.Filename(filename))
	if err := val.Err(); err != nil {
		return nil, cp.convertCUEErrors(err, filename)
	}

	unified := cp.schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, cp.convertCUEErrors(err, filename)
	}

	var f File
	if err := unified.Decode(&f); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return &f, nil
}

// Format renders f as CUE source.
func (cp *CUEParser) Format(f *File) ([]byte, error) {
	val := cp.ctx.Encode(f)
	if err := val.Err(); err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}

	node := val.Syntax(cue.Final(), cue.Concrete(true))
	if st, ok := node.(*ast.StructLit); ok {
		node = &ast.File{Decls: st.Elts}
	}
	out, err := format.Node(node)
	if err != nil {
		return nil, fmt.Errorf("failed to format cue: %w", err)
	}
	return out, nil
}

// userPath drops the leading schema definition from an error path, so
// "#File.mas.0" reads as "mas.0".
func userPath(path []string) []string {
	if len(path) > 0 && strings.HasPrefix(path[0], "#") {
		return path[1:]
	}
	return path
}

// convertCUEErrors converts CUE errors to ValidationErrors. A position in
// filename is preferred over one in the schema.
func (cp *CUEParser) convertCUEErrors(err error, filename string) ValidationErrors {
	var validationErrors ValidationErrors

	for _, e := range errors.Errors(err) {
		var file string
		var line, column int
		positions := errors.Positions(e)
		for i, pos := range positions {
			if i == 0 || pos.Filename() == filename {
				file = pos.Filename()
				line = pos.Line()
				column = pos.Column()
			}
			if pos.Filename() == filename {
				break
			}
		}

		validationErrors = append(validationErrors, ValidationError{
			File:    file,
			Line:    line,
			Column:  column,
			Path:    strings.Join(userPath(e.Path()), "."),
			Message: strings.TrimSpace(errors.Details(e, nil)),
		})
	}

	return validationErrors
}
