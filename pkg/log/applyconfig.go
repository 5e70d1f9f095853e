package log

// Config is a declarative description of a Logger, suitable for building
// from process configuration/env vars rather than composing LoggerOptions
// by hand.
type Config struct {
	Level  string `json:"level"`
	Format string `json:"format"` // "json" or "text"
	File   string `json:"file"`   // optional additional file sink
}

// ApplyConfig builds a Logger from a Config, always including a console
// output plus an optional file output.
func ApplyConfig(cfg *Config) (Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		level = InfoLevel
	}
	var formatter Formatter = &JSONFormatter{}
	if cfg.Format == "text" {
		formatter = &TextFormatter{}
	}
	opts := []LoggerOption{WithLevel(level), WithFormatter(formatter), WithOutput(NewConsoleOutput())}
	if cfg.File != "" {
		fo, ferr := NewFileOutput(cfg.File)
		if ferr != nil {
			return nil, ferr
		}
		opts = append(opts, WithOutput(fo))
	}
	return NewLogger(opts...), nil
}
