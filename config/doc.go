// Package config loads the engine's JSON configuration file and applies
// the documented defaults for any option the file omits, via a
// defaults-then-override Load.
package config
