// Package config loads, validates, and hot-reloads the YAML
// configuration tree, and converts its sections into the typed configs
// of the other packages.
package config
