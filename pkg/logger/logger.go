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

const logFlags = log.Ldate | log.Ltime | log.Lshortfile

var (
	// 不同级别的日志记录器，未调用SetupLogger前只输出到控制台
	InfoLogger    = log.New(os.Stdout, "INFO: ", logFlags)
	WarningLogger = log.New(os.Stdout, "WARNING: ", logFlags)
	ErrorLogger   = log.New(os.Stdout, "ERROR: ", logFlags)

	logFile *os.File
	mu      sync.Mutex
)

// SetupLogger 初始化日志配置，同时输出到控制台和 dir/YYYY-MM-DD.log
func SetupLogger(dir string) error {
	mu.Lock()
	defer mu.Unlock()

	if dir == "" {
		dir = "logs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("创建日志目录失败: %w", err)
	}

	logFileName := filepath.Join(dir, fmt.Sprintf("%s.log", time.Now().Format("2006-01-02")))
	file, err := os.OpenFile(logFileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return fmt.Errorf("打开日志文件失败: %w", err)
	}

	if logFile != nil {
		logFile.Close()
	}
	logFile = file

	multiWriter := io.MultiWriter(os.Stdout, file)
	InfoLogger.SetOutput(multiWriter)
	WarningLogger.SetOutput(multiWriter)
	ErrorLogger.SetOutput(multiWriter)
	return nil
}

// Close 关闭日志文件，之后的日志只输出到控制台
func Close() {
	mu.Lock()
	defer mu.Unlock()

	InfoLogger.SetOutput(os.Stdout)
	WarningLogger.SetOutput(os.Stdout)
	ErrorLogger.SetOutput(os.Stdout)
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

// Info 记录信息级别的日志
func Info(format string, v ...interface{}) {
	InfoLogger.Output(2, fmt.Sprintf(format, v...))
}

// Warning 记录警告级别的日志
func Warning(format string, v ...interface{}) {
	WarningLogger.Output(2, fmt.Sprintf(format, v...))
}

// Error 记录错误级别的日志
func Error(format string, v ...interface{}) {
	ErrorLogger.Output(2, fmt.Sprintf(format, v...))
}
