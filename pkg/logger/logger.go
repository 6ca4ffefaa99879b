// Package logger builds the shared ectologger instance over a zap sink.
package logger

import (
	"encoding/json"

	"github.com/Gobusters/ectologger"
	"go.uber.org/zap"
)

// New returns the service logger and a flush func for shutdown.
func New(prettyLogs bool) (ectologger.Logger, func(), error) {
	var zl *zap.Logger
	var err error
	if prettyLogs {
		zl, err = zap.NewDevelopment()
	} else {
		zl, err = zap.NewProduction()
	}
	if err != nil {
		return nil, nil, err
	}

	sink := zl.WithOptions(zap.AddCallerSkip(2))
	log := ectologger.NewEctoLogger(func(msg ectologger.EctoLogMessage) {
		payload, err := json.Marshal(msg)
		if err != nil {
			sink.Error("failed to encode log message", zap.Error(err))
			return
		}
		sink.Info(string(payload))
	})

	flush := func() {
		_ = zl.Sync()
	}

	return log, flush, nil
}
