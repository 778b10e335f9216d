// Command mustach renders a Mustache template against a YAML or JSON data
// file, adapted from hoisie-mustache/cmd/mustache/main.go onto the
// mustach.Compiler/Template API, with a --partials flag and YAML key
// normalisation added (see DESIGN.md).
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/jbollo-go/mustach"
)

var rootCmd = &cobra.Command{
	Use: "mustach [--layout template] [data] template",
	Example: `  $ mustach data.yml template.mustache
  $ cat data.yml | mustach template.mustache
  $ mustach --layout wrapper.mustache data template.mustache
  $ mustach --override over.yml data.yml template.mustache`,
	Args: cobra.RangeArgs(0, 2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := run(cmd, args); err != nil {
			fmt.Printf("Error: %s\n", err.Error())
			os.Exit(1)
		}
	},
}

var (
	layoutFile   string
	overrideFile string
	partialsDir  string
)

func main() {
	rootCmd.Flags().StringVar(&layoutFile, "layout", "", "location of layout file")
	rootCmd.Flags().StringVar(&overrideFile, "override", "", "location of data.yml override yml")
	rootCmd.Flags().StringVar(&partialsDir, "partials", "", "directory to search for {{>partial}} files")
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		return cmd.Usage()
	}

	var data map[string]interface{}
	var templatePath string
	if len(args) == 1 {
		d, err := parseDataFromStdin()
		if err != nil {
			return err
		}
		data = d
		templatePath = args[0]
	} else {
		d, err := parseDataFromFile(args[0])
		if err != nil {
			return err
		}
		data = d
		templatePath = args[1]
	}

	if overrideFile != "" {
		override, err := parseDataFromFile(overrideFile)
		if err != nil {
			return err
		}
		for k, v := range override {
			data[k] = v
		}
	}

	compiler := mustach.New()
	if partialsDir != "" {
		compiler = compiler.WithPartials(&mustach.FileProvider{Paths: []string{partialsDir}})
	} else {
		compiler = compiler.WithPartials(&mustach.FileProvider{Paths: []string{filepath.Dir(templatePath)}})
	}

	tpl, err := compiler.CompileFile(templatePath)
	if err != nil {
		return err
	}

	var output string
	if layoutFile != "" {
		layoutTpl, err := compiler.CompileFile(layoutFile)
		if err != nil {
			return err
		}
		output, err = tpl.RenderInLayout(layoutTpl, data)
		if err != nil {
			return err
		}
	} else {
		output, err = tpl.Render(data)
		if err != nil {
			return err
		}
	}
	fmt.Print(output)
	return nil
}

func parseDataFromStdin() (map[string]interface{}, error) {
	b, err := io.ReadAll(os.Stdin)
	if err != nil {
		return nil, err
	}
	return decodeYAML(b)
}

func parseDataFromFile(filePath string) (map[string]interface{}, error) {
	b, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}
	return decodeYAML(b)
}

// decodeYAML unmarshals into yaml.v2's map[interface{}]interface{} and then
// converts it, recursively, to map[string]interface{} so the keys match plainly
// against mustach's dotted-path tag names without a reflect.Convert step
// for the map key type.
func decodeYAML(b []byte) (map[string]interface{}, error) {
	var raw map[interface{}]interface{}
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, err
	}
	return normalizeYAMLMap(raw), nil
}

func normalizeYAMLMap(raw map[interface{}]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(raw))
	for k, v := range raw {
		out[fmt.Sprint(k)] = normalizeYAMLValue(v)
	}
	return out
}

func normalizeYAMLValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		return normalizeYAMLMap(t)
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = normalizeYAMLValue(e)
		}
		return out
	default:
		return v
	}
}
