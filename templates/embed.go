// Package templates embeds the workflow templates that ship with praxis.
// Each YAML file defines one plan: a name, a description, trigger phrases
// for heuristic matching, and worker steps with dependency edges.
package templates

import "embed"

// FS holds the built-in template files. TemplateLibrary loads these at
// construction and treats them exactly like directory-loaded templates.
//
//go:embed *.yaml
var FS embed.FS
