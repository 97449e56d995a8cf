package config

import "embed"

// SchemaFS embeds the JSON Schema documents for every tool argument shape
// and content shape spec §6 defines, so pkg/engine can compile them with
// santhosh-tekuri/jsonschema/v5 without a runtime dependency on the
// working directory.
//
//go:embed schemas/*.json
var SchemaFS embed.FS
