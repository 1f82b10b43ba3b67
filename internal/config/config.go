// Package config holds the flag-parsed settings for one recovery run,
// generalizing the teacher's crawl-shaped Config onto the surface §6
// defines.
package config

// Config holds the application configuration.
type Config struct {
	Input string
	Output string
	Names  string

	Platform     string // "big" (console) or "little" (PC)
	VersionLimit int

	StartOffset  uint64
	EndOffset    uint64
	Interval     uint64
	SearchLength uint64

	Defrag        bool
	ExtractFlag   bool
	Rename        bool
	SearchAll     bool

	Workers int
}
