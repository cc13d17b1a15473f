package utils

import (
	"io"
	"os"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger builds the process logger. With a file it writes JSON lines
// through a rotating file and stdout; the returned closer flushes it.
func NewLogger(level, file string) (*logrus.Logger, io.Closer, error) {
	logger := logrus.New()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, nil, err
	}
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if file == "" {
		return logger, io.NopCloser(nil), nil
	}
	rotating := &lumberjack.Logger{
		Filename:   file,
		MaxSize:    10,
		MaxBackups: 5,
		LocalTime:  true,
	}
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(io.MultiWriter(os.Stdout, rotating))
	return logger, rotating, nil
}

// RequestLogger logs one line per HTTP request.
func RequestLogger(log logrus.FieldLogger) iris.Handler {
	return func(ctx iris.Context) {
		start := time.Now()
		ctx.Next()
		fields := logrus.Fields{
			"method":  ctx.Method(),
			"path":    ctx.Path(),
			"status":  ctx.GetStatusCode(),
			"latency": time.Since(start).String(),
		}
		if ctx.GetStatusCode() >= 500 {
			log.WithFields(fields).Error("request failed")
			return
		}
		log.WithFields(fields).Debug("request")
	}
}
