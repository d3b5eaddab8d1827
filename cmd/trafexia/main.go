package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/hellresistor/trafexia/cert"
	"github.com/hellresistor/trafexia/proxy"
	"github.com/hellresistor/trafexia/web"
	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

func main() {
	config := loadConfig()

	if config.Debug > 0 {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})
	if config.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    50, // MiB
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	} else {
		log.SetOutput(os.Stdout)
	}

	opts := &proxy.Options{
		Port:                config.Port,
		Host:                config.Host,
		EnableHTTPS:         config.EnableHTTPS,
		DataDir:             config.DataDir,
		IgnoreHosts:         config.IgnoreHosts,
		AllowHosts:          config.AllowHosts,
		MaxRequestBodySize:  config.MaxRequestBodySize,
		MaxResponseBodySize: config.MaxResponseBodySize,
	}
	if config.CertPath != "" {
		opts.NewCaFunc = func() (cert.CA, error) {
			return cert.NewSelfSignCA(config.CertPath)
		}
	}

	p, err := proxy.New(opts)
	if err != nil {
		log.Fatal(err)
	}

	if config.version {
		fmt.Println("trafexia " + p.Version)
		os.Exit(0)
	}

	log.Infof("trafexia version %v", p.Version)

	p.AddAddon(&proxy.LogAddon{})
	if config.WebAddr != "" {
		p.AddAddon(web.NewWebAddon(config.WebAddr, p))
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigs
		log.Info("shutting down")
		p.Close()
	}()

	if err := p.Start(); err != nil {
		log.Fatal(err)
	}
}
