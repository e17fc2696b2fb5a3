// Package seed builds the managed objects an agent starts with from CUE
// definitions: scalars, static groups and tables with initial rows. The
// embedded definition serves the MIB-II system group.
package seed

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"

	"github.com/geekxflood/proteus/internal/mo"
	"github.com/geekxflood/proteus/internal/oid"
	"github.com/geekxflood/proteus/internal/rowstatus"
	"github.com/geekxflood/proteus/internal/table"
	"github.com/geekxflood/proteus/internal/types"
)

//go:embed schema.cue
var schemaCUE []byte

//go:embed system.cue
var systemCUE []byte

// Object defines a scalar or a static group leaf.
type Object struct {
	Name   string `json:"name"`
	OID    string `json:"oid"`
	Syntax string `json:"syntax"`
	Access string `json:"access"`
	Value  string `json:"value"`
	Group  string `json:"group"`
	Uptime bool   `json:"uptime"`
}

// Column defines a table column.
type Column struct {
	ID        uint32 `json:"id"`
	Name      string `json:"name"`
	Syntax    string `json:"syntax"`
	Access    string `json:"access"`
	Default   string `json:"default"`
	Required  bool   `json:"required"`
	RowStatus bool   `json:"rowstatus"`
}

// Row is an initial table row; Values is keyed by column name.
type Row struct {
	Index  string            `json:"index"`
	Values map[string]string `json:"values"`
}

// Table defines a conceptual table.
type Table struct {
	Name    string   `json:"name"`
	Entry   string   `json:"entry"`
	Columns []Column `json:"columns"`
	MaxRows int      `json:"max_rows"`
	Evict   bool     `json:"evict"`
	Rows    []Row    `json:"rows"`
}

// Definition is a validated seed document.
type Definition struct {
	Context string   `json:"context"`
	Objects []Object `json:"objects"`
	Tables  []Table  `json:"tables"`
}

// Load reads the seed at path, or the embedded system group when path is
// empty, and validates it against the seed schema.
func Load(path string) (*Definition, error) {
	if path == "" {
		return Parse("system.cue", systemCUE)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return Parse(filepath.Base(path), data)
}

// Parse validates data as a seed document.
func Parse(filename string, data []byte) (*Definition, error) {
	ctx := cuecontext.New()

	schema := ctx.CompileBytes(schemaCUE, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("seed schema: %w", err)
	}
	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return nil, fmt.Errorf("failed to compile %s: %w", filename, err)
	}

	unified := schema.LookupPath(cue.ParsePath("#Seed")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return nil, fmt.Errorf("invalid seed %s: %w", filename, err)
	}

	var def Definition
	if err := unified.Decode(&def); err != nil {
		return nil, fmt.Errorf("failed to decode seed %s: %w", filename, err)
	}
	return &def, nil
}

// Handler is a built managed object ready for registration.
type Handler struct {
	Name    string
	Handler mo.Handler
}

// Registrar receives the built handlers.
type Registrar interface {
	Register(scope oid.Scope, context []byte, handler mo.Handler) error
}

// Build creates the handlers of the definition. Uptime objects count from
// start.
func (d *Definition) Build(start time.Time) ([]Handler, error) {
	var handlers []Handler

	groups := make(map[string][]mo.Leaf)
	for _, obj := range d.Objects {
		base, err := oid.Parse(obj.OID)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", obj.Name, err)
		}

		if obj.Uptime {
			leaf := mo.Leaf{OID: base.Append(0), Getter: uptime(start)}
			if obj.Group == "" {
				g, err := mo.NewStaticGroup([]mo.Leaf{leaf})
				if err != nil {
					return nil, fmt.Errorf("object %s: %w", obj.Name, err)
				}
				handlers = append(handlers, Handler{Name: obj.Name, Handler: g})
			} else {
				groups[obj.Group] = append(groups[obj.Group], leaf)
			}
			continue
		}

		v, err := variable(obj.Syntax, obj.Value)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", obj.Name, err)
		}
		access, err := mo.ParseAccess(obj.Access)
		if err != nil {
			return nil, fmt.Errorf("object %s: %w", obj.Name, err)
		}

		if obj.Group != "" {
			if access.Writable() {
				return nil, fmt.Errorf("object %s: grouped objects are read-only", obj.Name)
			}
			groups[obj.Group] = append(groups[obj.Group], mo.Leaf{OID: base.Append(0), Variable: v})
			continue
		}
		handlers = append(handlers, Handler{Name: obj.Name, Handler: mo.NewScalar(base, access, v)})
	}

	names := make([]string, 0, len(groups))
	for name := range groups {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		g, err := mo.NewStaticGroup(groups[name])
		if err != nil {
			return nil, fmt.Errorf("group %s: %w", name, err)
		}
		handlers = append(handlers, Handler{Name: name, Handler: g})
	}

	for _, t := range d.Tables {
		tbl, err := buildTable(t)
		if err != nil {
			return nil, fmt.Errorf("table %s: %w", t.Name, err)
		}
		handlers = append(handlers, Handler{Name: t.Name, Handler: tbl})
	}
	return handlers, nil
}

// Install builds the definition and registers every handler in the
// definition's context.
func (d *Definition) Install(r Registrar, start time.Time) ([]Handler, error) {
	handlers, err := d.Build(start)
	if err != nil {
		return nil, err
	}
	for _, h := range handlers {
		if err := r.Register(h.Handler.Scope(), []byte(d.Context), h.Handler); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", h.Name, err)
		}
	}
	return handlers, nil
}

func uptime(start time.Time) func() types.Variable {
	return func() types.Variable {
		return types.TimeTicks(uint32(time.Since(start) / (10 * time.Millisecond)))
	}
}

func variable(syntaxName, value string) (types.Variable, error) {
	syntax, err := types.ParseSyntax(syntaxName)
	if err != nil {
		return types.Variable{}, err
	}
	return types.ParseVariable(syntax, value)
}

func buildTable(t Table) (*table.Table, error) {
	entry, err := oid.Parse(t.Entry)
	if err != nil {
		return nil, err
	}

	cfg := table.Config{
		Name:  t.Name,
		Entry: entry,
		Limit: rowstatus.SizeLimit{Max: t.MaxRows, Evict: t.Evict},
	}
	byName := make(map[string]int, len(t.Columns))
	for _, c := range t.Columns {
		syntax, err := types.ParseSyntax(c.Syntax)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		access, err := mo.ParseAccess(c.Access)
		if err != nil {
			return nil, fmt.Errorf("column %s: %w", c.Name, err)
		}
		col := table.Column{
			ID:        c.ID,
			Name:      c.Name,
			Syntax:    syntax,
			Access:    access,
			Required:  c.Required,
			RowStatus: c.RowStatus,
		}
		if c.Default != "" {
			if col.Default, err = types.ParseVariable(syntax, c.Default); err != nil {
				return nil, fmt.Errorf("column %s default: %w", c.Name, err)
			}
		}
		byName[c.Name] = len(cfg.Columns)
		cfg.Columns = append(cfg.Columns, col)
	}

	tbl, err := table.New(cfg)
	if err != nil {
		return nil, err
	}

	// AddRow takes values in column id order.
	sorted := append([]table.Column(nil), cfg.Columns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, r := range t.Rows {
		index, err := oid.Parse(r.Index)
		if err != nil {
			return nil, fmt.Errorf("row %s: %w", r.Index, err)
		}
		for name := range r.Values {
			if _, ok := byName[name]; !ok {
				return nil, fmt.Errorf("row %s: unknown column %s", r.Index, name)
			}
		}
		values := make([]types.Variable, len(sorted))
		for i, c := range sorted {
			s, ok := r.Values[c.Name]
			switch {
			case c.RowStatus:
				values[i] = rowstatus.Active.Variable()
			case ok:
				if values[i], err = types.ParseVariable(c.Syntax, s); err != nil {
					return nil, fmt.Errorf("row %s column %s: %w", r.Index, c.Name, err)
				}
			case c.Default.Syntax != 0:
				values[i] = c.Default
			case c.Required:
				return nil, fmt.Errorf("row %s: missing required column %s", r.Index, c.Name)
			default:
				values[i] = types.Null
			}
		}
		if err := tbl.AddRow(index, values); err != nil {
			return nil, err
		}
	}
	return tbl, nil
}
