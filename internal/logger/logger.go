// Package logger provides the process-wide structured logger used by every tool in this
// repository. All output goes through the logrus singleton Log; packages never construct
// their own loggers.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Log is the shared logger instance. It is usable before Init* is called; records emitted
// before initialization are buffered by a memory hook and replayed once a destination exists.
var Log *logrus.Logger

const (
	LevelsFlag          = "log-level"
	LevelsHelp          = "Minimum log level to output."
	LevelsPlaceholder   = "(panic|fatal|error|warn|info|debug|trace)"
	FileFlag            = "log-file"
	FileFlagHelp        = "Path of file to log to, in addition to stderr."
	ColorFlag           = "log-color"
	ColorFlagHelp       = "Color setting for terminal output."
	ColorsPlaceholder   = "(always|auto|never)"
	ColorAlways         = "always"
	ColorAuto           = "auto"
	ColorNever          = "never"
	defaultLogLevel     = logrus.InfoLevel
	defaultColorSetting = ColorAuto
)

// LogFlags is the set of CLI flag values that configure logging.
type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

var levelColors = map[logrus.Level]*color.Color{
	logrus.PanicLevel: color.New(color.FgRed, color.Bold),
	logrus.FatalLevel: color.New(color.FgRed, color.Bold),
	logrus.ErrorLevel: color.New(color.FgRed),
	logrus.WarnLevel:  color.New(color.FgYellow),
	logrus.InfoLevel:  color.New(color.FgCyan),
	logrus.DebugLevel: color.New(color.FgWhite),
	logrus.TraceLevel: color.New(color.FgWhite, color.Faint),
}

// Levels returns the accepted values for the log level flag, lowest severity last.
func Levels() []string {
	levels := make([]string, 0, len(logrus.AllLevels))
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Colors returns the accepted values for the color flag.
func Colors() []string {
	return []string{ColorAlways, ColorAuto, ColorNever}
}

type coloredFormatter struct {
	useColor bool
}

func (f *coloredFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(entry.Level.String())
	if f.useColor {
		if c, ok := levelColors[entry.Level]; ok {
			level = c.Sprint(level)
		}
	}

	line := fmt.Sprintf("%s [%s] %s\n", entry.Time.Format("2006-01-02T15:04:05Z07:00"), level,
		entry.Message)
	return []byte(line), nil
}

func init() {
	Log = logrus.New()
	Log.SetOutput(io.Discard)
	Log.SetLevel(logrus.TraceLevel)
	Log.AddHook(newStderrHook(defaultLogLevel, shouldUseColor(defaultColorSetting)))
}

// stderrHook writes formatted entries to stderr, filtered to its own level so that the
// file hook can log at a more verbose level than the console.
type stderrHook struct {
	level     logrus.Level
	formatter logrus.Formatter
}

func newStderrHook(level logrus.Level, useColor bool) *stderrHook {
	return &stderrHook{
		level:     level,
		formatter: &coloredFormatter{useColor: useColor},
	}
}

func (h *stderrHook) Levels() []logrus.Level {
	return logrus.AllLevels[:h.level+1]
}

func (h *stderrHook) Fire(entry *logrus.Entry) error {
	serialized, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = os.Stderr.Write(serialized)
	return err
}

type fileHook struct {
	file      *os.File
	formatter logrus.Formatter
}

func (h *fileHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *fileHook) Fire(entry *logrus.Entry) error {
	serialized, err := h.formatter.Format(entry)
	if err != nil {
		return err
	}
	_, err = h.file.Write(serialized)
	return err
}

// InitStderrLog configures logging to stderr only, at the default level.
// Intended for tests and small tools that take no log flags.
func InitStderrLog() {
	replaceHooks(defaultLogLevel, shouldUseColor(defaultColorSetting), nil)
}

// Init configures the logger from the parsed CLI flags.
func Init(flags *LogFlags) error {
	level := defaultLogLevel
	if flags.LogLevel != nil && *flags.LogLevel != "" {
		parsedLevel, err := logrus.ParseLevel(*flags.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level (%s):\n%w", *flags.LogLevel, err)
		}
		level = parsedLevel
	}

	colorSetting := defaultColorSetting
	if flags.LogColor != nil && *flags.LogColor != "" {
		colorSetting = *flags.LogColor
	}

	var logFile *os.File
	if flags.LogFile != nil && *flags.LogFile != "" {
		err := os.MkdirAll(filepath.Dir(*flags.LogFile), 0o755)
		if err != nil {
			return fmt.Errorf("failed to create log file directory:\n%w", err)
		}

		logFile, err = os.OpenFile(*flags.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file (%s):\n%w", *flags.LogFile, err)
		}
	}

	replaceHooks(level, shouldUseColor(colorSetting), logFile)
	return nil
}

// InitBestEffort is Init for mains that want to continue with default logging if the
// flags are unusable.
func InitBestEffort(flags *LogFlags) {
	err := Init(flags)
	if err != nil {
		InitStderrLog()
		Log.Warnf("Failed to configure logger: %v", err)
	}
}

func replaceHooks(level logrus.Level, useColor bool, logFile *os.File) {
	Log.ReplaceHooks(make(logrus.LevelHooks))
	Log.AddHook(newStderrHook(level, useColor))
	if logFile != nil {
		Log.AddHook(&fileHook{
			file:      logFile,
			formatter: &coloredFormatter{useColor: false},
		})
	}
}

func shouldUseColor(setting string) bool {
	switch setting {
	case ColorAlways:
		return true
	case ColorNever:
		return false
	default:
		// "auto": color only when stderr is a terminal.
		fileInfo, err := os.Stderr.Stat()
		if err != nil {
			return false
		}
		return (fileInfo.Mode() & os.ModeCharDevice) != 0
	}
}
