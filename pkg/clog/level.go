package clog

import (
	"log/slog"

	"connectrpc.com/connect"
)

type Level int

const (
	LevelDebug Level = iota + 1
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) Slog() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelInfo:
		return slog.LevelInfo
	case LevelWarn:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

func HTTPStatusToLevel(status int) Level {
	switch {
	case status == 499:
		return LevelInfo
	case status >= 100 && status < 400:
		return LevelInfo
	case status >= 400 && status < 500:
		return LevelWarn
	default:
		return LevelError
	}
}

var errorLevelCodes = map[connect.Code]bool{
	connect.CodeUnknown:           true,
	connect.CodeResourceExhausted: true,
	connect.CodeUnimplemented:     true,
	connect.CodeInternal:          true,
	connect.CodeUnavailable:       true,
	connect.CodeDataLoss:          true,
}

// ConnectCodeToLevel reports server-side faults at error level and caller
// mistakes at info level.
func ConnectCodeToLevel(code connect.Code) Level {
	if code == 0 {
		return LevelInfo
	}
	if errorLevelCodes[code] {
		return LevelError
	}
	if code > connect.CodeUnauthenticated {
		return LevelError
	}
	return LevelInfo
}
