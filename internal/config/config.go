// Package config loads the bridge configuration: environment/flag
// settings for SIP, the AI backend, and Home Assistant, plus the two
// YAML files describing the tool catalog and the caller profiles.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"strconv"
)

// Config holds the voicebridge service configuration
type Config struct {
	// SIP settings
	SIPServer      string // registrar host (e.g. fritz.box)
	SIPPort        int
	SIPUsername    string
	SIPPassword    string
	SIPDisplayName string
	BindAddr       string // address to bind the SIP UDP socket
	LocalPort      int    // local SIP port
	AdvertiseAddr  string // address placed in Contact and SDP

	// RTP settings
	RTPPortMin int
	RTPPortMax int

	// AI backend settings
	OpenAIAPIKey  string
	OpenAIModel   string
	OpenAIVoice   string
	OpenAIBaseURL string // WebSocket endpoint, model appended as query

	// Home Assistant settings
	HomeAssistantURL   string
	HomeAssistantToken string

	// YAML configuration files
	CallersPath string
	ToolsPath   string

	LogLevel string
	DryRun   bool
}

// Load loads configuration from command line flags and environment variables
func Load() *Config {
	cfg := &Config{}

	flag.StringVar(&cfg.SIPServer, "sip-server", "192.168.1.1", "SIP registrar host")
	flag.IntVar(&cfg.SIPPort, "sip-port", 5060, "SIP registrar port")
	flag.StringVar(&cfg.BindAddr, "bind", "0.0.0.0", "SIP bind address")
	flag.IntVar(&cfg.LocalPort, "local-port", 5060, "Local SIP port")
	flag.StringVar(&cfg.AdvertiseAddr, "advertise", "", "Address to advertise in Contact and SDP (auto-detected if not set)")
	flag.StringVar(&cfg.LogLevel, "loglevel", "info", "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.CallersPath, "callers", "resources/config/callers.yaml", "Path to caller profile configuration")
	flag.StringVar(&cfg.ToolsPath, "tools", "resources/config/tools.yaml", "Path to tool catalog configuration")
	flag.BoolVar(&cfg.DryRun, "dry-run", false, "Validate configuration, print a summary and exit")
	flag.Parse()

	cfg.SIPDisplayName = "Voicebridge"
	cfg.RTPPortMin = 10000
	cfg.RTPPortMax = 20000
	cfg.OpenAIModel = "gpt-realtime"
	cfg.OpenAIVoice = "coral"
	cfg.OpenAIBaseURL = "wss://api.openai.com/v1/realtime"
	cfg.HomeAssistantURL = "http://localhost:8123"

	// Override with environment variables if set
	if v := os.Getenv("SIP_SERVER"); v != "" {
		cfg.SIPServer = v
	}
	if v := os.Getenv("SIP_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.SIPPort = p
		}
	}
	if v := os.Getenv("SIP_USERNAME"); v != "" {
		cfg.SIPUsername = v
	}
	if v := os.Getenv("SIP_PASSWORD"); v != "" {
		cfg.SIPPassword = v
	}
	if v := os.Getenv("SIP_DISPLAY_NAME"); v != "" {
		cfg.SIPDisplayName = v
	}
	if v := os.Getenv("BIND"); v != "" {
		cfg.BindAddr = v
	}
	if v := os.Getenv("LOCAL_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.LocalPort = p
		}
	}
	if v := os.Getenv("ADVERTISE"); v != "" {
		cfg.AdvertiseAddr = v
	}
	if cfg.AdvertiseAddr == "" || net.ParseIP(cfg.AdvertiseAddr) == nil {
		cfg.AdvertiseAddr = getPrimaryInterfaceIP()
	}
	if v := os.Getenv("RTP_PORT_MIN"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMin = p
		}
	}
	if v := os.Getenv("RTP_PORT_MAX"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.RTPPortMax = p
		}
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_MODEL"); v != "" {
		cfg.OpenAIModel = v
	}
	if v := os.Getenv("OPENAI_VOICE"); v != "" {
		cfg.OpenAIVoice = v
	}
	if v := os.Getenv("OPENAI_BASE_URL"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("HOMEASSISTANT_URL"); v != "" {
		cfg.HomeAssistantURL = v
	}
	if v := os.Getenv("HOMEASSISTANT_TOKEN"); v != "" {
		cfg.HomeAssistantToken = v
	}
	if v := os.Getenv("CALLER_CONFIG_PATH"); v != "" {
		cfg.CallersPath = v
	}
	if v := os.Getenv("TOOLS_CONFIG_PATH"); v != "" {
		cfg.ToolsPath = v
	}
	if v := os.Getenv("LOGLEVEL"); v != "" {
		cfg.LogLevel = v
	}

	return cfg
}

// Validate checks that cfg carries everything needed to start.
// It returns a joined error listing all failures found.
func (cfg *Config) Validate() error {
	var errs []error

	if cfg.SIPServer == "" {
		errs = append(errs, errors.New("SIP_SERVER is required"))
	}
	if cfg.SIPUsername == "" {
		errs = append(errs, errors.New("SIP_USERNAME is required"))
	}
	if cfg.SIPPassword == "" {
		errs = append(errs, errors.New("SIP_PASSWORD is required"))
	}
	if cfg.OpenAIAPIKey == "" {
		errs = append(errs, errors.New("OPENAI_API_KEY is required"))
	}
	if cfg.HomeAssistantToken == "" {
		errs = append(errs, errors.New("HOMEASSISTANT_TOKEN is required"))
	}
	if cfg.RTPPortMin >= cfg.RTPPortMax {
		errs = append(errs, fmt.Errorf("RTP port range %d-%d is empty", cfg.RTPPortMin, cfg.RTPPortMax))
	}

	return errors.Join(errs...)
}

// getPrimaryInterfaceIP detects the primary network interface IP address
func getPrimaryInterfaceIP() string {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "127.0.0.1"
	}

	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && ipnet.IP.To4() != nil {
				return ipnet.IP.String()
			}
		}
	}

	return "127.0.0.1"
}
