package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	instance *Logger
	once     sync.Once
)

// Logger writes operational messages to the console and, when a log
// directory is configured, to a dated file.
type Logger struct {
	infoLogger  *log.Logger
	errorLogger *log.Logger
	logFile     *os.File
	mu          sync.Mutex
}

// Init initializes the global printf logger and the structured logger.
// An empty logDir logs to the console only.
func Init(logDir string, jsonOutput bool) error {
	var initErr error
	once.Do(func() {
		instance, initErr = newLogger(logDir)
		if initErr != nil {
			return
		}
		initSlog(instance.writer(os.Stdout), jsonOutput)
	})
	return initErr
}

func newLogger(logDir string) (*Logger, error) {
	l := &Logger{}
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		name := fmt.Sprintf("murmur-%s.log", time.Now().Format("2006-01-02"))
		f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.logFile = f
	}

	l.infoLogger = log.New(l.writer(os.Stdout), "", log.LstdFlags)
	l.errorLogger = log.New(l.writer(os.Stderr), "ERROR: ", log.LstdFlags)
	return l, nil
}

func (l *Logger) writer(console io.Writer) io.Writer {
	if l.logFile == nil {
		return console
	}
	return io.MultiWriter(console, l.logFile)
}

// Close closes the log file
func Close() error {
	if instance != nil && instance.logFile != nil {
		return instance.logFile.Close()
	}
	return nil
}

// Info logs an informational message
func Info(format string, v ...interface{}) {
	if instance == nil {
		log.Printf(format, v...)
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.infoLogger.Printf(format, v...)
}

// Error logs an error message
func Error(format string, v ...interface{}) {
	if instance == nil {
		log.Printf("ERROR: "+format, v...)
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.errorLogger.Printf(format, v...)
}

// Println logs a simple message
func Println(v ...interface{}) {
	if instance == nil {
		log.Println(v...)
		return
	}
	instance.mu.Lock()
	defer instance.mu.Unlock()
	instance.infoLogger.Println(v...)
}

// Printf logs a formatted message
func Printf(format string, v ...interface{}) {
	Info(format, v...)
}

// Fatalf logs a formatted fatal error and exits
func Fatalf(format string, v ...interface{}) {
	if instance != nil {
		instance.mu.Lock()
		instance.errorLogger.Fatalf(format, v...)
	}
	log.Fatalf(format, v...)
}
