// Copyright (C) 2024 XELIS
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package log

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	LevelError uint8 = iota
	LevelWarn
	LevelInfo
	LevelDebugHi
	LevelDebugLo
	LevelMutex
)

var LogLevel uint8 = LevelInfo

var levelNames = map[string]uint8{
	"error":    LevelError,
	"warn":     LevelWarn,
	"info":     LevelInfo,
	"debug_hi": LevelDebugHi,
	"debug_lo": LevelDebugLo,
}

var Stdout io.Writer = os.Stdout
var Stderr io.Writer = os.Stderr

var Reset = "\033[0m"
var Red = "\033[31m"
var Green = "\033[32m"
var Yellow = "\033[33m"
var Blue = "\033[34m"
var Purple = "\033[35m"
var Cyan = "\033[36m"
var Gray = "\033[37m"
var White = "\033[97m"
var Bold = "\033[1m"

// output file, nil when logging to the terminal
var fileMut sync.Mutex
var file *os.File
var filePath string

// ParseLevel maps a config level name to its numeric level.
func ParseLevel(name string) (uint8, error) {
	lvl, ok := levelNames[name]
	if !ok {
		return 0, fmt.Errorf("invalid log_level %q, allowed values are \"error\", \"warn\", \"info\", \"debug_hi\", \"debug_lo\"", name)
	}
	return lvl, nil
}

func SetLevelName(name string) error {
	lvl, err := ParseLevel(name)
	if err != nil {
		return err
	}
	LogLevel = lvl
	return nil
}

// OpenFile sends all log output to path, opened in append mode. Colors are disabled.
func OpenFile(path string) error {
	fileMut.Lock()
	defer fileMut.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if file != nil {
		file.Close()
	}
	file = f
	filePath = path

	Stdout = f
	Stderr = f
	disableColors()
	return nil
}

// Reopen closes and reopens the log file, used after external log rotation.
func Reopen() error {
	fileMut.Lock()
	path := filePath
	fileMut.Unlock()

	if path == "" {
		return nil
	}
	return OpenFile(path)
}

func disableColors() {
	Reset, Red, Green, Yellow, Blue, Purple, Cyan, Gray, White, Bold = "", "", "", "", "", "", "", "", "", ""
}

func getLogPrefix() string {
	_, file, line, _ := runtime.Caller(2)
	fileSpl := strings.Split(file, "/")
	debugInfos := strings.Split(fileSpl[len(fileSpl)-1], ".")[0] + ":" + strconv.FormatInt(int64(line), 10)
	for len(debugInfos) < 18 {
		debugInfos = debugInfos + " "
	}

	return time.Now().Format("2006-01-02 15:04:05") + " " + debugInfos
}
func getMutPefix() string {
	_, file, line, _ := runtime.Caller(3)
	fileSpl := strings.Split(file, "/")
	debugInfos := strings.Split(fileSpl[len(fileSpl)-1], ".")[0] + ":" + strconv.FormatInt(int64(line), 10)
	for len(debugInfos) < 18 {
		debugInfos = debugInfos + " "
	}

	return time.Now().Format("2006-01-02 15:04:05") + " " + debugInfos
}

// write reads the sink and colors under fileMut, OpenFile swaps them.
func write(w *io.Writer, color *string, prefix, line string) {
	fileMut.Lock()
	defer fileMut.Unlock()

	c := ""
	if color != nil {
		c = *color
	}
	(*w).Write([]byte(prefix + c + line + Reset))
}

func Info(a ...any) {
	if LogLevel < LevelInfo {
		return
	}
	write(&Stdout, nil, getLogPrefix(), "[INFO]  "+fmt.Sprintln(a...))
}
func Infof(format string, a ...any) {
	if LogLevel < LevelInfo {
		return
	}
	write(&Stdout, nil, getLogPrefix(), fmt.Sprintf("[INFO]  "+format+"\n", a...))
}

func Warn(a ...any) {
	if LogLevel < LevelWarn {
		return
	}
	write(&Stdout, &Yellow, getLogPrefix(), "[WARN]  "+fmt.Sprintln(a...))
}
func Warnf(format string, a ...any) {
	if LogLevel < LevelWarn {
		return
	}
	write(&Stdout, &Yellow, getLogPrefix(), fmt.Sprintf("[WARN]  "+format+"\n", a...))
}

func Err(a ...any) {
	write(&Stderr, &Red, getLogPrefix(), "[ERR]   "+fmt.Sprintln(a...))
}

func Errf(format string, a ...any) {
	write(&Stderr, &Red, getLogPrefix(), fmt.Sprintf("[ERR]   "+format+"\n", a...))
}

func Debug(a ...any) {
	if LogLevel < LevelDebugHi {
		return
	}

	write(&Stdout, &Cyan, getLogPrefix(), "[DEBUG] "+fmt.Sprintln(a...))
}
func Debugf(format string, a ...any) {
	if LogLevel < LevelDebugHi {
		return
	}

	write(&Stdout, &Cyan, getLogPrefix(), fmt.Sprintf("[DEBUG] "+format+"\n", a...))
}

func Dev(a ...any) {
	if LogLevel < LevelDebugLo {
		return
	}

	write(&Stdout, &Cyan, getLogPrefix(), "[DEV]   "+fmt.Sprintln(a...))
}

func Devf(format string, a ...any) {
	if LogLevel < LevelDebugLo {
		return
	}

	write(&Stdout, &Cyan, getLogPrefix(), fmt.Sprintf("[DEV]   "+format+"\n", a...))
}

func Mutex(a ...any) {
	if LogLevel < LevelMutex {
		return
	}

	write(&Stdout, &Purple, getMutPefix(), "[MUTEX] "+fmt.Sprintln(a...))
}

func Net(a ...any) {
	if LogLevel < LevelDebugLo {
		return
	}
	write(&Stdout, &Green, getLogPrefix(), "[NET]   "+fmt.Sprintln(a...))
}
func Netf(format string, a ...any) {
	if LogLevel < LevelDebugLo {
		return
	}

	write(&Stdout, &Green, getLogPrefix(), fmt.Sprintf("[NET]   "+format+"\n", a...))
}

func Fatal(err any) {
	write(&Stderr, &Red, getLogPrefix(), fmt.Sprintln("[FATAL]", err))
	panic(err)
}
