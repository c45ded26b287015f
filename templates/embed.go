// Package templates embeds the default project files written by
// `ringmaster init`.
package templates

import "embed"

//go:embed config.yaml pipelines
var FS embed.FS
