// Package config holds the resolved command-line configuration.
package config

import (
	"fmt"

	"github.com/joerivanruth/mapiproxy/internal/mapi"
	"github.com/joerivanruth/mapiproxy/internal/network"
)

// ColorMode selects when ANSI styling is emitted.
type ColorMode int

const (
	ColorAuto ColorMode = iota
	ColorAlways
	ColorNever
)

// ParseColorMode parses the --color option value.
func ParseColorMode(s string) (ColorMode, error) {
	switch s {
	case "auto":
		return ColorAuto, nil
	case "always":
		return ColorAlways, nil
	case "never":
		return ColorNever, nil
	default:
		return ColorAuto, fmt.Errorf("invalid color mode %q, expected always, auto or never", s)
	}
}

// Config stores all parameters gathered from the command line.
type Config struct {
	Level       mapi.Level
	ForceBinary bool
	Color       ColorMode

	ListenAddr  network.Addr // proxy mode
	ForwardAddr network.Addr // proxy mode
	PcapFile    string       // replay mode, mutually exclusive with the addresses

	Debug bool
}
