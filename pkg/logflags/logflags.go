package logflags

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var walker = false
var resolver = false
var image = false
var procfs = false
var web = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Walker returns true if the page table walker should log.
func Walker() bool {
	return walker
}

// WalkerLogger returns a logger for the page table walker.
func WalkerLogger() Logger {
	return makeFlaggableLogger(walker, Fields{"layer": "walker"})
}

// Resolver returns true if root resolution should be logged.
func Resolver() bool {
	return resolver
}

// ResolverLogger returns a logger for root resolution.
func ResolverLogger() Logger {
	return makeFlaggableLogger(resolver, Fields{"layer": "resolver"})
}

// Image returns true if loading and writing image files should be logged.
func Image() bool {
	return image
}

// ImageLogger returns a logger for image files.
func ImageLogger() Logger {
	return makeFlaggableLogger(image, Fields{"layer": "image"})
}

// Procfs returns true if pseudo-file registrations and reads should be
// logged.
func Procfs() bool {
	return procfs
}

// ProcfsLogger returns a logger for the pseudo-file registry.
func ProcfsLogger() Logger {
	return makeFlaggableLogger(procfs, Fields{"layer": "procfs"})
}

// Web returns true if the web service should log requests.
func Web() bool {
	return web
}

// WebLogger returns a logger for the web service.
func WebLogger() Logger {
	return makeFlaggableLogger(web, Fields{"layer": "web"})
}

// SyslogLogger returns the diagnostic log one-shot walks report to. It is
// always enabled.
func SyslogLogger() Logger {
	return makeLogger(logrus.InfoLevel, Fields{"layer": "kpmap"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "kpmap-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "walker"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "walker":
			walker = true
		case "resolver":
			resolver = true
		case "image":
			image = true
		case "procfs":
			procfs = true
		case "web":
			web = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'kpmap help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// textFormatter is a simplified version of logrus.TextFormatter that
// doesn't make logs unreadable when they are output to a text file or to a
// terminal that doesn't support colors.
type textFormatter struct {
}

var textFormatterInstance = &textFormatter{}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	var b *bytes.Buffer
	if entry.Buffer != nil {
		b = entry.Buffer
	} else {
		b = &bytes.Buffer{}
	}

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteString(entry.Time.Format(time.RFC3339))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	for i, key := range keys {
		b.WriteString(key)
		b.WriteByte('=')
		stringVal, ok := entry.Data[key].(string)
		if !ok {
			stringVal = fmt.Sprint(entry.Data[key])
		}
		if f.needsQuoting(stringVal) {
			fmt.Fprintf(b, "%q", stringVal)
		} else {
			b.WriteString(stringVal)
		}
		if i != len(keys)-1 {
			b.WriteByte(',')
		} else {
			b.WriteByte(' ')
		}
	}
	b.WriteString(entry.Message)
	b.WriteByte('\n')
	return b.Bytes(), nil
}

func (f *textFormatter) needsQuoting(text string) bool {
	for _, ch := range text {
		if !((ch >= 'a' && ch <= 'z') ||
			(ch >= 'A' && ch <= 'Z') ||
			(ch >= '0' && ch <= '9') ||
			ch == '-' || ch == '.' || ch == '_' || ch == '/' || ch == '@' || ch == '^' || ch == '+') {
			return true
		}
	}
	return false
}
