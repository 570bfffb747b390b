package logging

import (
	"path/filepath"
	"time"
)

// sessionStamp sorts lexically in start order.
const sessionStamp = "20060102_150405"

// LogFilePath names the log file of one session: <dir>/<app>.<start>.log.
func LogFilePath(logsDir, appName string, sessionStart time.Time) string {
	return filepath.Join(logsDir, appName+"."+sessionStart.Format(sessionStamp)+".log")
}
