// Package logflags selects which components of the unwinder produce
// debug logging. Each component gets a logrus logger that is silent
// unless its flag has been enabled through Setup.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var unwinder = false
var registry = false
var cfi = false

var logOut io.Writer = os.Stderr

func textFormatter() logrus.Formatter {
	return &logrus.TextFormatter{
		DisableColors: !isatty.IsTerminal(os.Stderr.Fd()),
		FullTimestamp: true,
	}
}

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = textFormatter()
	logger.Out = logOut
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.PanicLevel
	}
	return logger.WithFields(fields)
}

// Unwinder returns true if the unwind driver should log.
func Unwinder() bool {
	return unwinder
}

// UnwinderLogger returns a logger for the unwind driver.
func UnwinderLogger() *logrus.Entry {
	return makeLogger(unwinder, logrus.Fields{"layer": "unwinder"})
}

// Registry returns true if the frame entry registry should log.
func Registry() bool {
	return registry
}

// RegistryLogger returns a logger for the frame entry registry.
func RegistryLogger() *logrus.Entry {
	return makeLogger(registry, logrus.Fields{"layer": "registry"})
}

// CFI returns true if the call frame interpreter should log.
func CFI() bool {
	return cfi
}

// CFILogger returns a logger for the call frame interpreter.
func CFILogger() *logrus.Entry {
	return makeLogger(cfi, logrus.Fields{"layer": "cfi"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets component flags based on the contents of logstr.
func Setup(logFlag bool, logstr string) error {
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "unwinder"
	}
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "unwinder":
			unwinder = true
		case "registry":
			registry = true
		case "cfi":
			cfi = true
		default:
			return fmt.Errorf("invalid log-output component %q", logcmd)
		}
	}
	return nil
}
