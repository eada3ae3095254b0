// Package schemas embeds the canonical schema set so tooling can seed or
// check a repository without reading it from disk.
package schemas

import "embed"

// FS holds every *.schema.json file and version_registry.json.
//
//go:embed *.json
var FS embed.FS
