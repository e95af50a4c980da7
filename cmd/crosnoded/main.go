// Command crosnoded is the host-program entrypoint original_source's
// samples/performance-test.c plays for the C client library: it loads a
// NodeConfig, builds a Node from it, and calls Start once with no timeout;
// Start keeps running RunOnce until SIGINT/SIGTERM sets the exit flag it
// honors.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"crosnode/config"
	"crosnode/node"
)

func main() {
	configPath := flag.String("config", "", "path to a NodeConfig YAML file (defaults to config.Default())")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			logrus.WithError(err).Fatal("crosnoded: load config")
		}
		cfg = loaded
	}

	n, err := node.NewNodeFromConfig(cfg)
	if err != nil {
		logrus.WithError(err).Fatal("crosnoded: build node")
	}
	defer n.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	exitFlag := false
	go func() {
		<-ctx.Done()
		exitFlag = true
	}()

	n.Log.WithField("uri", n.XMLRPCURI()).Info("crosnoded: started")
	if err := n.Start(ctx, 0, &exitFlag); err != nil && err != context.Canceled {
		n.Log.WithError(err).Error("crosnoded: exited with error")
		os.Exit(1)
	}
	n.Log.Info("crosnoded: shut down")
}
