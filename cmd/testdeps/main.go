package main

import (
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/operator-framework/testdeps/pkg/lib/signals"
)

func main() {
	env := &environment{}
	err := newRootCmd(env).ExecuteContext(signals.Context())
	if werr := env.writeMetrics(); werr != nil {
		log.WithError(werr).Warn("failed to write metrics")
	}
	if err != nil {
		os.Exit(1)
	}
}
