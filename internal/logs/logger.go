package logs

import (
	"context"
	"fmt"
	"io"
	"regexp"
	"runtime"
	"time"
)

// Logger logger interface
type Logger interface {
	Debug(ctx context.Context, msg string, args ...interface{})
	Info(ctx context.Context, msg string, args ...interface{})
	Warn(ctx context.Context, msg string, args ...interface{})
	Error(ctx context.Context, msg string, args ...interface{})
}

// LogLevel log level
type LogLevel int

const (
	//Debug enable debug or above log output
	Debug LogLevel = 0
	//Info enable info or above log output
	Info LogLevel = 1
	//Warn enable warn or above log output
	Warn LogLevel = 2
	//Error enable error or above log output
	Error LogLevel = 3
)

func (ll LogLevel) String() string {
	if ll == Debug {
		return "DEBUG"
	} else if ll == Info {
		return "INFO"
	} else if ll == Warn {
		return "WARN"
	} else if ll == Error {
		return "ERROR"
	}
	return ""
}

type defaultLogger struct {
	writer    io.StringWriter
	logLevel  LogLevel
	component string
}

// NewLogger init Logger instance. component is printed as a bracketed tag
// ahead of every line, e.g. "[BATCH-ENGINE:CORE]", matching the debug
// channels the engine documents to its embedders.
func NewLogger(writer io.StringWriter, logLevel LogLevel, component string) *defaultLogger {
	return &defaultLogger{writer: writer, logLevel: logLevel, component: component}
}

func (l *defaultLogger) Debug(ctx context.Context, msg string, args ...interface{}) {
	if Debug >= l.logLevel {
		l.writer.WriteString(l.logBase(Debug) + fmt.Sprintf(msg, args...) + "\n")
	}
}

func (l *defaultLogger) Info(ctx context.Context, msg string, args ...interface{}) {
	if Info >= l.logLevel {
		l.writer.WriteString(l.logBase(Info) + fmt.Sprintf(msg, args...) + "\n")
	}
}

func (l *defaultLogger) Warn(ctx context.Context, msg string, args ...interface{}) {
	if Warn >= l.logLevel {
		l.writer.WriteString(l.logBase(Warn) + fmt.Sprintf(msg, args...) + "\n")
	}
}

func (l *defaultLogger) Error(ctx context.Context, msg string, args ...interface{}) {
	if Error >= l.logLevel {
		l.writer.WriteString(l.logBase(Error) + fmt.Sprintf(msg, args...) + "\n")
	}
}

var seperatorReg = regexp.MustCompile("[/\\\\]")

func fileLine() string {
	_, file, line, ok := runtime.Caller(3)
	if ok {
		idx := seperatorReg.FindAllStringIndex(file, -1)
		if len(idx) > 0 {
			file = file[idx[len(idx)-1][1]:]
		}
		return fmt.Sprintf("%s:%d", file, line)
	}
	return ""
}

func (l *defaultLogger) logBase(level LogLevel) string {
	tag := ""
	if l.component != "" {
		tag = "[" + l.component + "] "
	}
	return fmt.Sprintf("%v %s[%s] %s ", time.Now().Format("2006-01-02 15:04:05.000000"), tag, level, fileLine())
}
