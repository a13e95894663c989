// Package config parses the engine's TOML configuration file into a
// typed Config, covering the option set of spec.md §6
// (buffer.count.<pagesize>, volume.N, journalpath, journalsize,
// appendOnly, readOnly).
//
// Grounded on the teacher's configuration loader
// (zhukovaskychina-xmysql-server server/conf/config.go: a Cfg struct
// populated by Load from a parsed file, string-typed duration/size
// fields paired with a parsed counterpart) adapted from the teacher's
// gopkg.in/ini.v1 section/key walk to github.com/pelletier/go-toml
// (itself already one of the teacher's dependencies) since spec.md's
// option keys read naturally as a TOML document, and to
// github.com/c2h5oh/datasize for the *size human-readable fields
// ("64MB" -> bytes) the teacher's ini loader left as plain strings.
package config

import (
	"fmt"
	"os"
	"sort"
	"strconv"

	"github.com/c2h5oh/datasize"
	"github.com/pelletier/go-toml"

	"github.com/blinklayer/blinkstore/xerrors"
)

// VolumeSpec is one `volume.N` table: path and sizing for a single
// volume file.
type VolumeSpec struct {
	Index        int
	Path         string
	PageSize     int
	InitialPages uint64
	ExtentPages  uint64
	MaxPages     uint64
}

// Config is the parsed form of spec.md §6's configuration option set.
type Config struct {
	BufferCounts map[int]int // page size -> frame count
	Volumes      []VolumeSpec

	JournalPath string
	JournalSize datasize.ByteSize

	AppendOnly bool
	ReadOnly   bool
}

// Load reads and parses a TOML configuration file at path, mirroring
// the teacher's Cfg.Load entry point.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.IOFail(err, "read config file "+path)
	}
	return Parse(data)
}

// Parse parses TOML-encoded configuration bytes directly, used by
// Load and exercised on its own by tests. Nested tables (`volume.N`,
// `buffer.count`) are walked via *toml.Tree rather than flattened,
// since go-toml represents TOML tables as nested trees, not dotted
// map keys.
func Parse(data []byte) (*Config, error) {
	tree, err := toml.LoadBytes(data)
	if err != nil {
		return nil, xerrors.Invalid("parse config: %v", err)
	}

	cfg := &Config{BufferCounts: make(map[int]int)}

	if v, ok := tree.Get("journalpath").(string); ok {
		cfg.JournalPath = v
	}
	if v := tree.Get("journalsize"); v != nil {
		size, err := parseSize(v)
		if err != nil {
			return nil, xerrors.Invalid("journalsize: %v", err)
		}
		cfg.JournalSize = size
	}
	if v, ok := tree.Get("appendOnly").(bool); ok {
		cfg.AppendOnly = v
	}
	if v, ok := tree.Get("readOnly").(bool); ok {
		cfg.ReadOnly = v
	}

	if bufferTree, ok := tree.Get("buffer").(*toml.Tree); ok {
		if countTree, ok := bufferTree.Get("count").(*toml.Tree); ok {
			for _, pageSizeKey := range countTree.Keys() {
				pageSize, err := strconv.Atoi(pageSizeKey)
				if err != nil {
					return nil, xerrors.Invalid("invalid buffer.count key %q: %v", pageSizeKey, err)
				}
				count, err := asInt(countTree.Get(pageSizeKey))
				if err != nil {
					return nil, xerrors.Invalid("buffer.count.%d: %v", pageSize, err)
				}
				cfg.BufferCounts[pageSize] = count
			}
		}
	}

	if volumeTree, ok := tree.Get("volume").(*toml.Tree); ok {
		for _, idxKey := range volumeTree.Keys() {
			idx, err := strconv.Atoi(idxKey)
			if err != nil {
				return nil, xerrors.Invalid("invalid volume key %q: %v", idxKey, err)
			}
			table, ok := volumeTree.Get(idxKey).(*toml.Tree)
			if !ok {
				return nil, xerrors.Invalid("volume.%d must be a table", idx)
			}
			spec, err := parseVolumeSpec(idx, table)
			if err != nil {
				return nil, err
			}
			cfg.Volumes = append(cfg.Volumes, spec)
		}
	}

	sort.Slice(cfg.Volumes, func(i, j int) bool { return cfg.Volumes[i].Index < cfg.Volumes[j].Index })
	return cfg, nil
}

func parseVolumeSpec(idx int, table *toml.Tree) (VolumeSpec, error) {
	spec := VolumeSpec{Index: idx, PageSize: 4096, ExtentPages: 64}
	if v, ok := table.Get("path").(string); ok {
		spec.Path = v
	} else {
		return VolumeSpec{}, xerrors.Invalid("volume.%d missing path", idx)
	}
	if v := table.Get("pagesize"); v != nil {
		n, err := asInt(v)
		if err != nil {
			return VolumeSpec{}, xerrors.Invalid("volume.%d pagesize: %v", idx, err)
		}
		spec.PageSize = n
	}
	if v := table.Get("initialpages"); v != nil {
		n, err := asInt(v)
		if err != nil {
			return VolumeSpec{}, xerrors.Invalid("volume.%d initialpages: %v", idx, err)
		}
		spec.InitialPages = uint64(n)
	}
	if v := table.Get("extentpages"); v != nil {
		n, err := asInt(v)
		if err != nil {
			return VolumeSpec{}, xerrors.Invalid("volume.%d extentpages: %v", idx, err)
		}
		spec.ExtentPages = uint64(n)
	}
	if v := table.Get("maxpages"); v != nil {
		n, err := asInt(v)
		if err != nil {
			return VolumeSpec{}, xerrors.Invalid("volume.%d maxpages: %v", idx, err)
		}
		spec.MaxPages = uint64(n)
	}
	return spec, nil
}

func asInt(v interface{}) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", v)
	}
}

// parseSize accepts either a TOML integer (raw bytes) or a
// human-readable string ("64MB") for journalsize, via
// datasize.ByteSize's own UnmarshalText.
func parseSize(v interface{}) (datasize.ByteSize, error) {
	switch n := v.(type) {
	case int64:
		return datasize.ByteSize(n), nil
	case string:
		var sz datasize.ByteSize
		if err := sz.UnmarshalText([]byte(n)); err != nil {
			return 0, err
		}
		return sz, nil
	default:
		return 0, fmt.Errorf("expected integer or size string, got %T", v)
	}
}
