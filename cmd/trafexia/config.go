package main

import (
	"flag"
	"fmt"

	"github.com/hellresistor/trafexia/internal/helper"
	log "github.com/sirupsen/logrus"
)

type Config struct {
	version  bool
	filename string

	Port        int      `json:"port"`
	Host        string   `json:"host"`
	WebAddr     string   `json:"web_addr"`
	EnableHTTPS bool     `json:"enable_https"`
	DataDir     string   `json:"data_dir"`
	CertPath    string   `json:"cert_path"`
	IgnoreHosts []string `json:"ignore_hosts"`
	AllowHosts  []string `json:"allow_hosts"`

	MaxRequestBodySize  int64 `json:"max_request_body_size"`
	MaxResponseBodySize int64 `json:"max_response_body_size"`

	Debug   int    `json:"debug"`
	LogFile string `json:"log_file"`
}

func loadConfigFromCli() *Config {
	config := new(Config)

	flag.BoolVar(&config.version, "version", false, "show trafexia version")
	flag.IntVar(&config.Port, "port", 8888, "proxy listen port, bound to all interfaces")
	flag.StringVar(&config.Host, "host", "", "address shown to clients for configuration hints")
	flag.StringVar(&config.WebAddr, "web_addr", "", "web event interface listen addr, empty to disable")
	flag.BoolVar(&config.EnableHTTPS, "enable_https", true, "terminate TLS inside CONNECT tunnels; off means blind tunneling")
	flag.StringVar(&config.DataDir, "data_dir", "", "directory holding the traffic database")
	flag.StringVar(&config.CertPath, "cert_path", "", "path of generated root CA files")
	flag.Var((*arrayValue)(&config.IgnoreHosts), "ignore_hosts", "a list of hosts to never intercept")
	flag.Var((*arrayValue)(&config.AllowHosts), "allow_hosts", "a list of hosts to intercept, everything else tunnels blind")
	flag.Int64Var(&config.MaxRequestBodySize, "max_request_body_size", 0, "stored request body cap in bytes")
	flag.Int64Var(&config.MaxResponseBodySize, "max_response_body_size", 0, "stored response body cap in bytes")
	flag.IntVar(&config.Debug, "debug", 0, "debug mode: 1 - print debug log")
	flag.StringVar(&config.LogFile, "log_file", "", "rotate logs into this file instead of stdout")
	flag.StringVar(&config.filename, "f", "", "read config from the filename")
	flag.Parse()

	return config
}

func mergeConfigs(fileConfig, cliConfig *Config) *Config {
	config := new(Config)
	*config = *fileConfig
	if cliConfig.Port != 0 {
		config.Port = cliConfig.Port
	}
	if cliConfig.Host != "" {
		config.Host = cliConfig.Host
	}
	if cliConfig.WebAddr != "" {
		config.WebAddr = cliConfig.WebAddr
	}
	if cliConfig.EnableHTTPS {
		config.EnableHTTPS = cliConfig.EnableHTTPS
	}
	if cliConfig.DataDir != "" {
		config.DataDir = cliConfig.DataDir
	}
	if cliConfig.CertPath != "" {
		config.CertPath = cliConfig.CertPath
	}
	if len(cliConfig.IgnoreHosts) > 0 {
		config.IgnoreHosts = cliConfig.IgnoreHosts
	}
	if len(cliConfig.AllowHosts) > 0 {
		config.AllowHosts = cliConfig.AllowHosts
	}
	if cliConfig.MaxRequestBodySize != 0 {
		config.MaxRequestBodySize = cliConfig.MaxRequestBodySize
	}
	if cliConfig.MaxResponseBodySize != 0 {
		config.MaxResponseBodySize = cliConfig.MaxResponseBodySize
	}
	if cliConfig.Debug != 0 {
		config.Debug = cliConfig.Debug
	}
	if cliConfig.LogFile != "" {
		config.LogFile = cliConfig.LogFile
	}
	return config
}

func loadConfig() *Config {
	cliConfig := loadConfigFromCli()
	if cliConfig.version {
		return cliConfig
	}
	if cliConfig.filename == "" {
		return cliConfig
	}

	fileConfig := new(Config)
	if err := helper.NewStructFromFile(cliConfig.filename, fileConfig); err != nil {
		log.Warnf("read config from %v error %v", cliConfig.filename, err)
		return cliConfig
	}
	return mergeConfigs(fileConfig, cliConfig)
}

// arrayValue implements flag.Value for repeatable flags
type arrayValue []string

func (a *arrayValue) String() string {
	return fmt.Sprint(*a)
}

func (a *arrayValue) Set(value string) error {
	*a = append(*a, value)
	return nil
}
