/*
Copyright 2024 OpenEBS Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package logger

import (
	"fmt"
	"strconv"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2/textlogger"
)

// Verbosity is a numeric string so it can come straight from the LOG_LEVEL
// environment variable. Errors always print; every other level also enables
// the ones before it.
type Verbosity string

const (
	ErrorLevel   Verbosity = "0"
	WarningLevel Verbosity = "1"
	InfoLevel    Verbosity = "2"
	DebugLevel   Verbosity = "3"
	TraceLevel   Verbosity = "4"
)

var verbosities = map[Verbosity]int{
	ErrorLevel:   0,
	WarningLevel: 1,
	InfoLevel:    2,
	DebugLevel:   3,
	TraceLevel:   4,
}

type Logger struct {
	log logr.Logger
}

func NewLogger(level Verbosity) (*Logger, error) {
	v, ok := verbosities[level]
	if !ok {
		// Levels past trace are accepted as plain integers.
		n, err := strconv.Atoi(string(level))
		if err != nil {
			return nil, fmt.Errorf("unknown log level %q", level)
		}
		v = n
	}

	log := textlogger.NewLogger(textlogger.NewConfig(textlogger.Verbosity(v))).WithCallDepth(1)

	return &Logger{log: log}, nil
}

func (l Logger) leveled(v Verbosity, tag, message string, keysAndValues ...interface{}) {
	l.log.V(verbosities[v]).Info(tag+" "+message, keysAndValues...)
}

func (l Logger) Error(err error, message string, keysAndValues ...interface{}) {
	l.log.Error(err, "ERROR "+message, keysAndValues...)
}

func (l Logger) Warning(message string, keysAndValues ...interface{}) {
	l.leveled(WarningLevel, "WARNING", message, keysAndValues...)
}

func (l Logger) Info(message string, keysAndValues ...interface{}) {
	l.leveled(InfoLevel, "INFO", message, keysAndValues...)
}

func (l Logger) Debug(message string, keysAndValues ...interface{}) {
	l.leveled(DebugLevel, "DEBUG", message, keysAndValues...)
}

func (l Logger) Trace(message string, keysAndValues ...interface{}) {
	l.leveled(TraceLevel, "TRACE", message, keysAndValues...)
}
