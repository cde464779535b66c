package web

import "embed"

// FS contains the embedded operator page.
//
//go:embed *.html
var FS embed.FS
