// Package embedded carries the files warden installs into a project: the
// host hooks manifest and a starter custom-rule file.
package embedded

import _ "embed"

// HooksJSON is the hooks manifest merged into .claude/settings.json by
// `warden hooks install`.
//
//go:embed hooks/hooks.json
var HooksJSON []byte

// ExampleRules is the starter rule file written by `warden rules init`.
//
//go:embed rules/example-rules.yaml
var ExampleRules []byte
