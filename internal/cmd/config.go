package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	toml "github.com/pelletier/go-toml"
	yaml "gopkg.in/yaml.v3"

	"github.com/Alia5/nucusbd/internal/configpaths"
)

// ConfigCommand groups config-related subcommands.
type ConfigCommand struct {
	Init ConfigInit `cmd:"" help:"Generate a configuration template"`
}

// ConfigInit scaffolds a configuration file for a specific command.
type ConfigInit struct {
	Command string `arg:"" name:"command" help:"Command to generate config for" enum:"server,proxy"`
	Format  string `help:"Output format" enum:"json,yaml,yml,toml" default:"json"`
	Output  string `help:"Destination file path (defaults to current directory)"`
	Force   bool   `help:"Overwrite if the file already exists"`
}

var encoders = map[string]func(map[string]any) ([]byte, error){
	"json": func(v map[string]any) ([]byte, error) { return json.MarshalIndent(v, "", "  ") },
	"yaml": func(v map[string]any) ([]byte, error) { return yaml.Marshal(v) },
	"toml": func(v map[string]any) ([]byte, error) { return toml.Marshal(v) },
}

// flags that make no sense inside a config file
var skipTemplateFlag = map[string]bool{"help": true, "config": true}

// Run writes the global flags and every flag of the command with its
// default, keyed the way the configuration loaders resolve them.
func (c *ConfigInit) Run() error {
	format := strings.ToLower(c.Format)
	if format == "yml" {
		format = "yaml"
	}
	encode, ok := encoders[format]
	if !ok {
		return fmt.Errorf("unsupported format: %s", c.Format)
	}

	root, err := templateFor(c.Command)
	if err != nil {
		return err
	}

	dest := c.Output
	if dest == "" {
		dest = c.Command + "." + format
	}
	if !c.Force {
		if _, err := os.Stat(dest); err == nil {
			return fmt.Errorf("%s exists; use --force to overwrite", dest)
		} else if !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	if err := configpaths.EnsureDir(dest); err != nil {
		return err
	}

	data, err := encode(root)
	if err != nil {
		return fmt.Errorf("encode %s template: %w", format, err)
	}
	return os.WriteFile(dest, data, 0o644)
}

func templateFor(command string) (map[string]any, error) {
	parser, err := kong.New(&CLI{}, Options()...)
	if err != nil {
		return nil, err
	}
	var node *kong.Node
	for _, child := range parser.Model.Children {
		if child.Type == kong.CommandNode && child.Name == command {
			node = child
		}
	}
	if node == nil {
		return nil, fmt.Errorf("unknown command %q; expected 'server' or 'proxy'", command)
	}

	root := map[string]any{}
	for _, flags := range [][]*kong.Flag{parser.Model.Flags, node.Flags} {
		for _, f := range flags {
			if skipTemplateFlag[f.Name] {
				continue
			}
			key := strings.ReplaceAll(f.Name, "-", "_")
			setPath(root, strings.Split(key, "."), templateValue(f))
		}
	}
	return root, nil
}

func setPath(m map[string]any, path []string, v any) {
	for _, p := range path[:len(path)-1] {
		sub, ok := m[p].(map[string]any)
		if !ok {
			sub = map[string]any{}
			m[p] = sub
		}
		m = sub
	}
	m[path[len(path)-1]] = v
}

// templateValue types the default of f so the template round-trips
// through every loader.
func templateValue(f *kong.Flag) any {
	def := f.Default
	t := f.Target.Type()
	if t == reflect.TypeOf(time.Duration(0)) {
		if def == "" {
			return "0s"
		}
		return def
	}
	switch t.Kind() {
	case reflect.Bool:
		b, _ := strconv.ParseBool(def)
		return b
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, _ := strconv.ParseInt(def, 10, 64)
		return n
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, _ := strconv.ParseUint(def, 10, 64)
		return n
	case reflect.Float32, reflect.Float64:
		n, _ := strconv.ParseFloat(def, 64)
		return n
	case reflect.Slice:
		return []string{}
	default:
		return def
	}
}
