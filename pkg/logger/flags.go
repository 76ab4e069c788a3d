package logger

import (
	"flag"
	"fmt"
	"strings"
)

// Flags holds all logging-related command-line flags
type Flags struct {
	LogLevel     string
	LogFormat    string
	LogFile      string
	DebugSignal  bool
	DebugICE     bool
	DebugTrack   bool
	DebugStorage bool
	DebugTicket  bool
	DebugAll     bool
}

// RegisterFlags registers logging flags with the given FlagSet
func RegisterFlags(fs *flag.FlagSet) *Flags {
	f := &Flags{}

	fs.StringVar(&f.LogLevel, "log-level", "info",
		"Log level: debug, info, warn, error")
	fs.StringVar(&f.LogLevel, "l", "info",
		"Log level (shorthand)")

	fs.StringVar(&f.LogFormat, "log-format", "text",
		"Log output format: text, json")

	fs.StringVar(&f.LogFile, "log-file", "",
		"Log output file path (default: stdout)")
	fs.StringVar(&f.LogFile, "o", "",
		"Log output file path (shorthand)")

	// Debug category flags
	fs.BoolVar(&f.DebugSignal, "debug-signal", false,
		"Enable signalling protocol debugging (WebSocket messages, dialogs)")
	fs.BoolVar(&f.DebugICE, "debug-ice", false,
		"Enable ICE debugging (candidates, gathering, connection state)")
	fs.BoolVar(&f.DebugTrack, "debug-track", false,
		"Enable media track debugging (RTP packets, access units)")
	fs.BoolVar(&f.DebugStorage, "debug-storage", false,
		"Enable storage backend debugging")
	fs.BoolVar(&f.DebugTicket, "debug-ticket", false,
		"Enable signalling ticket cache debugging")
	fs.BoolVar(&f.DebugAll, "debug-all", false,
		"Enable all debug categories")

	return f
}

// ToConfig converts Flags to a logger Config
func (f *Flags) ToConfig() (*Config, error) {
	cfg := NewConfig()

	level, err := ParseLevel(f.LogLevel)
	if err != nil {
		return nil, err
	}
	cfg.Level = level

	format, err := ParseFormat(f.LogFormat)
	if err != nil {
		return nil, err
	}
	cfg.Format = format

	cfg.OutputFile = f.LogFile

	if f.DebugAll {
		cfg.EnableCategory(DebugAll)
		// Force debug level when any debug category is enabled
		cfg.Level = LevelDebug
	} else {
		if f.DebugSignal {
			cfg.EnableCategory(DebugSignal)
			cfg.Level = LevelDebug
		}
		if f.DebugICE {
			cfg.EnableCategory(DebugICE)
			cfg.Level = LevelDebug
		}
		if f.DebugTrack {
			cfg.EnableCategory(DebugTrack)
			cfg.Level = LevelDebug
		}
		if f.DebugStorage {
			cfg.EnableCategory(DebugStorage)
			cfg.Level = LevelDebug
		}
		if f.DebugTicket {
			cfg.EnableCategory(DebugTicket)
			cfg.Level = LevelDebug
		}
	}

	return cfg, nil
}

// String returns a string representation of enabled flags
func (f *Flags) String() string {
	var parts []string

	parts = append(parts, fmt.Sprintf("level=%s", f.LogLevel))
	parts = append(parts, fmt.Sprintf("format=%s", f.LogFormat))

	if f.LogFile != "" {
		parts = append(parts, fmt.Sprintf("output=%s", f.LogFile))
	} else {
		parts = append(parts, "output=stdout")
	}

	var debugCategories []string
	if f.DebugAll {
		debugCategories = append(debugCategories, "all")
	} else {
		if f.DebugSignal {
			debugCategories = append(debugCategories, "signal")
		}
		if f.DebugICE {
			debugCategories = append(debugCategories, "ice")
		}
		if f.DebugTrack {
			debugCategories = append(debugCategories, "track")
		}
		if f.DebugStorage {
			debugCategories = append(debugCategories, "storage")
		}
		if f.DebugTicket {
			debugCategories = append(debugCategories, "ticket")
		}
	}

	if len(debugCategories) > 0 {
		parts = append(parts, fmt.Sprintf("debug=[%s]", strings.Join(debugCategories, ",")))
	}

	return strings.Join(parts, " ")
}
