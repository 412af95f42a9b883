package messaging

import (
	"embed"
	"io/fs"
)

// builtinCopy embeds the user-facing message templates.
//
//go:embed templates/*
var builtinCopy embed.FS

// BuiltinCopyFS returns the templates subdirectory as a filesystem.
func BuiltinCopyFS() (fs.FS, error) {
	return fs.Sub(builtinCopy, "templates")
}
