package model

import "slices"

// Supported languages.
const (
	LanguageNodeJS = "nodejs"
	LanguagePython = "python"
	LanguageCPP    = "cpp"
)

// SandboxWorkDir is the path inside every sandbox where the submitted program
// and its files are placed.
const SandboxWorkDir = "/sandbox"

// LanguageSpec describes how a language is run inside a sandbox.
type LanguageSpec struct {
	Name       string   `json:"name"`
	SourceFile string   `json:"source_file"`
	Command    []string `json:"command"`
}

// languages is the fixed language → entry command table. Adding a language
// requires an entry here and a provisioned sandbox image for every provider.
var languages = map[string]LanguageSpec{
	LanguageNodeJS: {
		Name:       LanguageNodeJS,
		SourceFile: "main.js",
		Command:    []string{"node", "--no-deprecation", SandboxWorkDir + "/main.js"},
	},
	LanguagePython: {
		Name:       LanguagePython,
		SourceFile: "main.py",
		Command:    []string{"python3", SandboxWorkDir + "/main.py"},
	},
	LanguageCPP: {
		Name:       LanguageCPP,
		SourceFile: "main.cpp",
		Command: []string{"/bin/sh", "-c",
			"g++ -O2 -o /tmp/a.out " + SandboxWorkDir + "/main.cpp && /tmp/a.out"},
	},
}

// LookupLanguage returns the table entry for name.
func LookupLanguage(name string) (LanguageSpec, bool) {
	spec, ok := languages[name]
	if !ok {
		return LanguageSpec{}, false
	}
	spec.Command = slices.Clone(spec.Command)
	return spec, true
}

// Languages returns every supported language sorted by name.
func Languages() []LanguageSpec {
	out := make([]LanguageSpec, 0, len(languages))
	for _, name := range LanguageNames() {
		spec, _ := LookupLanguage(name)
		out = append(out, spec)
	}
	return out
}

// LanguageNames returns the supported language names sorted alphabetically.
func LanguageNames() []string {
	names := make([]string, 0, len(languages))
	for name := range languages {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
