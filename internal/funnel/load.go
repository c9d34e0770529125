package funnel

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/load"
	"gopkg.in/yaml.v3"
)

// Option configures Load.
type Option func(*loader)

type loader struct {
	check StageCheck
}

// WithStageCheck runs check on every stage of every funnel.
func WithStageCheck(check StageCheck) Option {
	return func(l *loader) { l.check = check }
}

// Load reads every *.yaml, *.yml and *.cue file in dir, validates each
// definition and returns the set. All problems are reported together,
// joined with errors.Join.
//
// A YAML file holds one funnel; its name defaults to the file name. CUE
// files in dir form one package and declare funnels under funnel.<name>.
func Load(dir string, opts ...Option) (*Set, error) {
	l := &loader{}
	for _, opt := range opts {
		opt(l)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("load funnels: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("load funnels: not a directory: %s", dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("load funnels: %w", err)
	}

	var (
		defs    []*Definition
		errs    []error
		haveCUE bool
	)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch filepath.Ext(e.Name()) {
		case ".yaml", ".yml":
			path := filepath.Join(dir, e.Name())
			d, err := loadYAML(path)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			defs = append(defs, d)
		case ".cue":
			haveCUE = true
		}
	}
	if haveCUE {
		cueDefs, err := loadCUE(dir)
		if err != nil {
			errs = append(errs, err)
		}
		defs = append(defs, cueDefs...)
	}

	if len(defs) == 0 && len(errs) == 0 {
		return nil, fmt.Errorf("load funnels: no definitions found in %s", dir)
	}

	for _, d := range defs {
		errs = append(errs, d.Validate(l.check)...)
	}
	set, err := NewSet(defs...)
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return set, nil
}

// Parse decodes one YAML definition. source names it in errors.
func Parse(source string, data []byte) (*Definition, error) {
	var d Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return nil, yamlError(source, err)
	}
	if d.Name == "" {
		base := filepath.Base(source)
		d.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	d.Source = source
	return &d, nil
}

func loadYAML(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(path, data)
}

// yamlError keeps the line of the first type error.
func yamlError(source string, err error) error {
	var te *yaml.TypeError
	if errors.As(err, &te) && len(te.Errors) > 0 {
		line := 0
		msg := te.Errors[0]
		// Messages read "line 7: field foo not found in type funnel.Stage".
		if rest, ok := strings.CutPrefix(msg, "line "); ok {
			if n, tail, found := strings.Cut(rest, ": "); found {
				fmt.Sscanf(n, "%d", &line)
				msg = tail
			}
		}
		return &Error{Source: source, Line: line, Message: msg}
	}
	return &Error{Source: source, Message: err.Error()}
}

func loadCUE(dir string) ([]*Definition, error) {
	ctx := cuecontext.New()
	instances := load.Instances([]string{"."}, &load.Config{Dir: dir})
	if len(instances) == 0 {
		return nil, &Error{Source: dir, Message: "no CUE instances loaded"}
	}
	inst := instances[0]
	if inst.Err != nil {
		return nil, cueError(dir, inst.Err)
	}
	value := ctx.BuildInstance(inst)
	if err := value.Err(); err != nil {
		return nil, cueError(dir, err)
	}

	root := value.LookupPath(cue.ParsePath("funnel"))
	if !root.Exists() {
		return nil, nil
	}
	iter, err := root.Fields()
	if err != nil {
		return nil, cueError(dir, err)
	}

	var defs []*Definition
	for iter.Next() {
		v := iter.Value()
		var d Definition
		if err := v.Decode(&d); err != nil {
			return nil, cueError(dir, err)
		}
		if d.Name == "" {
			d.Name = iter.Label()
		}
		d.Source = dir
		if pos := v.Pos(); pos.IsValid() {
			d.Source = fmt.Sprintf("%s:%d", pos.Filename(), pos.Line())
		}
		defs = append(defs, &d)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs, nil
}

// cueError extracts the first position from a CUE error.
func cueError(dir string, err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return &Error{Source: dir, Message: err.Error()}
	}
	first := errs[0]
	if positions := cueerrors.Positions(first); len(positions) > 0 {
		return &Error{Source: positions[0].Filename(), Line: positions[0].Line(), Message: first.Error()}
	}
	return &Error{Source: dir, Message: first.Error()}
}
