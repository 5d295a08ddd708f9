package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// AgentConfig configures cmd/callagent, a headless participant that talks to
// the API over HTTP and never touches the stores directly.
type AgentConfig struct {
	Env        string
	APIBaseURL string

	// AccessToken is used as-is when set. Otherwise the agent logs in through
	// the development login route as UserID with Role.
	AccessToken string
	UserID      string
	Role        string

	// Either SessionID, or AccessCode together with DoctorID.
	SessionID  string
	AccessCode string
	DoctorID   string

	Mode        RelayMode
	ICEServers  []string
	MaxDuration time.Duration
}

func LoadAgent() (AgentConfig, error) {
	if f := strings.TrimSpace(os.Getenv("ENV_FILE")); f != "" {
		if err := godotenv.Load(f); err != nil {
			return AgentConfig{}, fmt.Errorf("ENV_FILE %q: %w", f, err)
		}
	}
	c := AgentConfig{
		Env:         strings.TrimSpace(os.Getenv("APP_ENV")),
		APIBaseURL:  strings.TrimRight(strings.TrimSpace(os.Getenv("AGENT_API_URL")), "/"),
		AccessToken: strings.TrimSpace(os.Getenv("AGENT_ACCESS_TOKEN")),
		UserID:      strings.TrimSpace(os.Getenv("AGENT_USER_ID")),
		Role:        strings.TrimSpace(os.Getenv("AGENT_ROLE")),
		SessionID:   strings.TrimSpace(os.Getenv("AGENT_SESSION_ID")),
		AccessCode:  strings.TrimSpace(os.Getenv("AGENT_ACCESS_CODE")),
		DoctorID:    strings.TrimSpace(os.Getenv("AGENT_DOCTOR_ID")),
		Mode:        RelayMode(strings.ToLower(strings.TrimSpace(os.Getenv("RELAY_MODE")))),
		ICEServers:  splitList(os.Getenv("WEBRTC_ICE_SERVERS")),
		MaxDuration: mustDuration("AGENT_MAX_DURATION"),
	}
	if err := c.Validate(); err != nil {
		return AgentConfig{}, err
	}
	return c, nil
}

// Validate checks required fields and fills defaults in place.
func (c *AgentConfig) Validate() error {
	var errs []error
	if c.Env == "" {
		c.Env = "local"
	}
	if !isValidEnv(c.Env) {
		errs = append(errs, fmt.Errorf("APP_ENV must be one of local, dev, staging, production, got %q", c.Env))
	}
	if c.APIBaseURL == "" {
		errs = append(errs, errors.New("AGENT_API_URL is required"))
	}
	if c.AccessToken == "" && (c.UserID == "" || c.Role == "") {
		errs = append(errs, errors.New("AGENT_ACCESS_TOKEN or AGENT_USER_ID with AGENT_ROLE is required"))
	}
	if c.SessionID == "" && (c.AccessCode == "" || c.DoctorID == "") {
		errs = append(errs, errors.New("AGENT_SESSION_ID or AGENT_ACCESS_CODE with AGENT_DOCTOR_ID is required"))
	}
	if c.Mode == "" {
		c.Mode = RelayModeDirect
	}
	if c.Mode != RelayModeDirect && c.Mode != RelayModeManaged {
		errs = append(errs, fmt.Errorf("RELAY_MODE must be one of direct, managed, got %q", c.Mode))
	}
	if len(c.ICEServers) == 0 {
		c.ICEServers = []string{"stun:stun.l.google.com:19302"}
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = 8 * time.Hour
	}
	return joinErrors(errs)
}
