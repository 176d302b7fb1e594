// Package render formats agent results and log events for the terminal.
// Results are rendered through text/template with sprout function
// registries, either with the built-in layout for the result type or a
// user-supplied --format template.
package render

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/template"

	"github.com/go-sprout/sprout"
	"github.com/go-sprout/sprout/registry/encoding"
	"github.com/go-sprout/sprout/registry/std"
	sproutstrings "github.com/go-sprout/sprout/registry/strings"

	"github.com/modlink/modlink/internal/config"
	"github.com/modlink/modlink/internal/protocol"
)

// FormatJSON selects indented JSON instead of a template.
const FormatJSON = "json"

var defaultTemplates = map[string]string{
	"ModStatus": `{{ with .AppInfo -}}
App version:     {{ .Version }}
{{- if .LoaderVersion }}
Modloader:       {{ .LoaderVersion }}
{{- end }}
{{- if .Obb }}
OBB present:     yes
{{- end }}
{{ else -}}
App:             not installed
{{ end -}}
{{ with .CoreMods -}}
Core mods:       {{ .InstallStatus }}
Supported:       {{ join ", " .SupportedVersions }}
{{ end -}}
{{ if .ModloaderInstallStatus -}}
Loader status:   {{ .ModloaderInstallStatus }}
{{ end -}}
{{ template "mods" .InstalledMods }}`,

	"Mods": `{{ template "mods" .InstalledMods }}`,

	"ImportResult": `Imported {{ .FileName }} ({{ .Kind }})
{{ if .InstalledMods }}{{ template "mods" .InstalledMods }}{{ end }}`,

	"FixedPlayerData": `{{ if .ExistingPlayerData }}Player data fixed.{{ else }}No player data to fix.{{ end }}
`,
}

const modsTemplate = `{{ define "mods" -}}
{{ if . -}}
Mods ({{ len . }}):
{{ range . }}  [{{ enabled .IsEnabled }}] {{ .ID }} {{ .Version }}{{ if .IsCore }} (core){{ end }}
{{ end -}}
{{ else -}}
No mods installed.
{{ end -}}
{{ end }}`

// Renderer writes terminal results. The zero value is not usable; call New.
type Renderer struct {
	format string
	custom *template.Template
}

// New returns a Renderer for format: "" for the built-in layouts, "json",
// "@path" to read a template from a file, or an inline template.
func New(format string) (*Renderer, error) {
	r := &Renderer{format: format}
	if format == "" || format == FormatJSON {
		return r, nil
	}

	text, err := loadFormat(format)
	if err != nil {
		return nil, err
	}
	tmpl, err := newTemplate("format")
	if err != nil {
		return nil, err
	}
	if r.custom, err = tmpl.Parse(text); err != nil {
		return nil, fmt.Errorf("parsing format template: %w", err)
	}
	return r, nil
}

func loadFormat(format string) (string, error) {
	path, ok := strings.CutPrefix(format, "@")
	if !ok {
		return format, nil
	}
	data, err := os.ReadFile(config.ExpandPath(path))
	if err != nil {
		return "", fmt.Errorf("reading format template %q: %w", path, err)
	}
	return string(data), nil
}

func newTemplate(name string) (*template.Template, error) {
	funcMap, err := buildFuncMap()
	if err != nil {
		return nil, fmt.Errorf("building template functions: %w", err)
	}
	return template.New(name).Funcs(funcMap), nil
}

func buildFuncMap() (template.FuncMap, error) {
	handler := sprout.New()

	if err := handler.AddRegistries(
		std.NewRegistry(),
		sproutstrings.NewRegistry(),
		encoding.NewRegistry(),
	); err != nil {
		return nil, err
	}

	funcMap := handler.Build()

	funcMap["enabled"] = enabledFunc
	funcMap["join"] = joinFunc

	return funcMap, nil
}

func enabledFunc(on bool) string {
	if on {
		return "x"
	}
	return " "
}

func joinFunc(sep string, items []string) string {
	return strings.Join(items, sep)
}

// Result renders res to w.
func (r *Renderer) Result(w io.Writer, res protocol.Terminal) error {
	if r.format == FormatJSON {
		data, err := json.MarshalIndent(res, "", "  ")
		if err != nil {
			return fmt.Errorf("encoding result: %w", err)
		}
		_, err = w.Write(append(data, '\n'))
		return err
	}

	tmpl := r.custom
	if tmpl == nil {
		var err error
		if tmpl, err = builtinTemplate(protocol.ResponseType(res)); err != nil {
			return err
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, res); err != nil {
		return fmt.Errorf("rendering %s: %w", protocol.ResponseType(res), err)
	}
	if r.custom != nil && !bytes.HasSuffix(buf.Bytes(), []byte("\n")) {
		buf.WriteByte('\n')
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func builtinTemplate(typ string) (*template.Template, error) {
	text, ok := defaultTemplates[typ]
	if !ok {
		return nil, fmt.Errorf("no layout for result type %q", typ)
	}
	tmpl, err := newTemplate(typ)
	if err != nil {
		return nil, err
	}
	if tmpl, err = tmpl.Parse(modsTemplate); err != nil {
		return nil, err
	}
	return tmpl.Parse(text)
}

// Log formats one agent log event as a single line.
func Log(ev protocol.LogEvent) string {
	return fmt.Sprintf("%-5s %s", strings.ToUpper(string(ev.Level)), ev.Message)
}
