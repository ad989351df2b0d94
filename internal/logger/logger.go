package logger

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"strings"
	"sync"
	"time"
)

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

var (
	mu           sync.Mutex
	currentLevel = LevelInfo

	// The daemon's stdout is often the appliance console; diagnostics go
	// to stderr so they never interleave with anything the console cares
	// about.
	logger = stdlog.New(os.Stderr, "", 0)
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

func SetLevel(level string) {
	mu.Lock()
	defer mu.Unlock()
	switch strings.ToUpper(level) {
	case "DEBUG":
		currentLevel = LevelDebug
	case "INFO":
		currentLevel = LevelInfo
	case "WARN":
		currentLevel = LevelWarn
	case "ERROR":
		currentLevel = LevelError
	}
}

// SetOutput redirects log output, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	logger = stdlog.New(w, "", 0)
}

// DebugEnabled reports whether DEBUG lines would be emitted, so callers can
// skip building expensive dumps.
func DebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return currentLevel <= LevelDebug
}

func log(level Level, format string, v ...any) {
	mu.Lock()
	defer mu.Unlock()
	if level < currentLevel {
		return
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	prefix := fmt.Sprintf("[%s] [%s] ", timestamp, level.String())
	message := fmt.Sprintf(format, v...)
	logger.Println(prefix + message)
}

func Debug(format string, v ...any) {
	log(LevelDebug, format, v...)
}

func Info(format string, v ...any) {
	log(LevelInfo, format, v...)
}

func Warn(format string, v ...any) {
	log(LevelWarn, format, v...)
}

func Error(format string, v ...any) {
	log(LevelError, format, v...)
}

// Hexdump logs buf at DEBUG level in the classic offset/hex/ASCII layout.
// Dumps are capped at 512 bytes; frames can be megabytes.
func Hexdump(label string, buf []byte) {
	if !DebugEnabled() {
		return
	}

	const maxDump = 512
	truncated := false
	if len(buf) > maxDump {
		buf = buf[:maxDump]
		truncated = true
	}

	var b strings.Builder
	for i := 0; i < len(buf); i += 16 {
		fmt.Fprintf(&b, "%04x: ", i)
		for j := i; j < i+16; j++ {
			if j < len(buf) {
				fmt.Fprintf(&b, "%02x ", buf[j])
			} else {
				b.WriteString("   ")
			}
		}
		b.WriteByte('|')
		for j := i; j < i+16 && j < len(buf); j++ {
			c := buf[j]
			if c >= 0x20 && c < 0x7f {
				b.WriteByte(c)
			} else {
				b.WriteByte('.')
			}
		}
		b.WriteString("|\n")
	}
	if truncated {
		b.WriteString("(truncated)\n")
	}
	Debug("%s:\n%s", label, b.String())
}
