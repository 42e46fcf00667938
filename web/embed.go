package web

import "embed"

// FS holds the fault viewer page and its assets.
//
//go:embed *.html *.css *.js
var FS embed.FS
