package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	AgentID        string
	DispatchURL    string
	Tenant         string
	APIToken       string
	PrinterAddr    string
	SpeakerCommand string
	ExecuteMode    string
	StatusInterval time.Duration
	ReconnectBase  time.Duration
	ReconnectCap   time.Duration
}

func FromEnv() Config {
	agentID := getenv("VEASYO_AGENT_ID", "agent-local")
	dispatchURL := getenv("VEASYO_AGENT_DISPATCH_URL", "ws://localhost:8080/v1/bridge/ws")
	tenant := getenv("VEASYO_AGENT_TENANT", "")
	apiToken := getenv("VEASYO_AGENT_TOKEN", "")
	printerAddr := getenv("VEASYO_AGENT_PRINTER_ADDR", "")
	speakerCommand := getenv("VEASYO_AGENT_SPEAKER_COMMAND", "")
	executeMode := getenv("VEASYO_AGENT_EXECUTE_MODE", "log")
	statusSec := getenvInt("VEASYO_AGENT_STATUS_SECONDS", 30)
	backoffBaseMs := getenvInt("VEASYO_AGENT_BACKOFF_BASE_MILLIS", 500)
	backoffCapSec := getenvInt("VEASYO_AGENT_BACKOFF_CAP_SECONDS", 30)

	return Config{
		AgentID:        agentID,
		DispatchURL:    dispatchURL,
		Tenant:         tenant,
		APIToken:       apiToken,
		PrinterAddr:    printerAddr,
		SpeakerCommand: speakerCommand,
		ExecuteMode:    executeMode,
		StatusInterval: time.Duration(statusSec) * time.Second,
		ReconnectBase:  time.Duration(backoffBaseMs) * time.Millisecond,
		ReconnectCap:   time.Duration(backoffCapSec) * time.Second,
	}
}

func getenv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
