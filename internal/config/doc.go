// Package config loads fleetsync configuration from YAML.
//
// ${VAR} references are expanded from the environment before parsing, so
// secrets such as server.api_key and journal.database.password can stay
// out of the file. Load, then ApplyDefaults, then Validate; LoadAndValidate
// does all three.
package config
