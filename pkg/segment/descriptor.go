package segment

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

// Component is one of the files making up a segment.
type Component string

const (
	ComponentData       Component = "data"
	ComponentIndex      Component = "index"
	ComponentFilter     Component = "filter"
	ComponentStatistics Component = "statistics"
)

// Components lists every file a complete segment must have on disk.
var Components = []Component{ComponentData, ComponentIndex, ComponentFilter, ComponentStatistics}

// Descriptor identifies one immutable segment: its directory, owning table
// and generation number. File names follow {table}-{generation}-{component}.
type Descriptor struct {
	Dir        string
	Table      string
	Generation uint64
}

func (d Descriptor) FileName(c Component) string {
	return fmt.Sprintf("%s-%d-%s", d.Table, d.Generation, c)
}

func (d Descriptor) Path(c Component) string {
	return filepath.Join(d.Dir, d.FileName(c))
}

// Paths returns the absolute path of every component file.
func (d Descriptor) Paths() []string {
	out := make([]string, 0, len(Components))
	for _, c := range Components {
		out = append(out, d.Path(c))
	}
	return out
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%s-%d", d.Table, d.Generation)
}

// ParseFileName splits a segment component file name. The table name may
// itself contain dashes, so the generation and component are taken from
// the right.
func ParseFileName(dir, name string) (Descriptor, Component, bool) {
	i := strings.LastIndexByte(name, '-')
	if i < 0 {
		return Descriptor{}, "", false
	}
	comp := Component(name[i+1:])
	switch comp {
	case ComponentData, ComponentIndex, ComponentFilter, ComponentStatistics:
	default:
		return Descriptor{}, "", false
	}

	rest := name[:i]
	j := strings.LastIndexByte(rest, '-')
	if j < 0 {
		return Descriptor{}, "", false
	}
	gen, err := strconv.ParseUint(rest[j+1:], 10, 64)
	if err != nil {
		return Descriptor{}, "", false
	}

	return Descriptor{Dir: dir, Table: rest[:j], Generation: gen}, comp, true
}
