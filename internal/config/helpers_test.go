package config

import (
	"github.com/go-logr/logr"

	kubelog "github.com/srviswan/pb-synth-tradecapture-svc-sub002/internal/log"
)

func testLogger() logr.Logger {
	return kubelog.NewLogger(kubelog.DevelopmentOptions())
}
