// Package config loads a MEW space definition document (§6.4): the
// gateway's listen settings plus the space's participants and tokens.
//
// Grounded on cellorg/internal/config/config.go's Load (YAML unmarshal +
// defaulting + validation); Cell/CellAgent are replaced by
// Participant/Token since MEW has no cell-pipeline concept.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mew-proto/mew/internal/envelope"
)

// ParticipantType distinguishes how a configured participant is hosted.
type ParticipantType string

const (
	ParticipantLocal  ParticipantType = "local"
	ParticipantRemote ParticipantType = "remote"
	ParticipantHuman  ParticipantType = "human"
)

// ParticipantSpec describes one participant entry in a space document.
type ParticipantSpec struct {
	Type         ParticipantType   `yaml:"type"`
	Command      string            `yaml:"command,omitempty"`
	Args         []string          `yaml:"args,omitempty"`
	Env          map[string]string `yaml:"env,omitempty"`
	Tokens       []string          `yaml:"tokens,omitempty"`
	Capabilities []envelope.Rule   `yaml:"capabilities,omitempty"`
}

// TokenSpec maps one bearer token to the participant id and base
// capabilities it authenticates (§6.4: "tokens: map of opaque token →
// {participant_id, capabilities[]}").
type TokenSpec struct {
	ParticipantID string          `yaml:"participant_id"`
	Capabilities  []envelope.Rule `yaml:"capabilities,omitempty"`
}

// GatewayConfig holds the gateway's network settings, defaulted the same
// way the teacher defaults its BrokerConfig/SupportConfig pair.
type GatewayConfig struct {
	Port         string `yaml:"port"`
	HTTPPort     string `yaml:"http_port"`
	Debug        bool   `yaml:"debug"`
	AllowReplace bool   `yaml:"allow_replace_connection"`
}

// Space is the root document describing one space (§6.4).
type Space struct {
	Name         string                     `yaml:"name"`
	Description  string                     `yaml:"description"`
	Gateway      GatewayConfig              `yaml:"gateway"`
	Participants map[string]ParticipantSpec `yaml:"participants"`
	Tokens       map[string]TokenSpec       `yaml:"tokens"`

	LogDir              string `yaml:"log_dir"`
	HistoryRotateBytes  int64  `yaml:"history_rotate_bytes"`
	EnvelopeHistory     bool   `yaml:"envelope_history"`
	CapabilityDecisions bool   `yaml:"capability_decisions"`
}

// Load reads and validates a space document from filename, applying the
// same kind of defaulting cellorg's config.Load does for its broker/support
// ports.
func Load(filename string) (*Space, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read space config: %w", err)
	}

	var space Space
	if err := yaml.Unmarshal(data, &space); err != nil {
		return nil, fmt.Errorf("failed to parse space config: %w", err)
	}

	var flags struct {
		EnvelopeHistory     *bool `yaml:"envelope_history"`
		CapabilityDecisions *bool `yaml:"capability_decisions"`
	}
	if err := yaml.Unmarshal(data, &flags); err != nil {
		return nil, fmt.Errorf("failed to parse space config: %w", err)
	}

	applyDefaults(&space, flags.EnvelopeHistory, flags.CapabilityDecisions)
	applyEnvOverrides(&space)

	if err := space.Validate(); err != nil {
		return nil, err
	}
	return &space, nil
}

// applyDefaults fills in zero-valued fields. envelopeHistory/capabilityDecisions
// are *bool probes of the raw document (nil when the key was absent) so an
// explicit "false" in the document is honored instead of being forced back
// to true (§6.3: audit logs are on by default, not unconditionally).
func applyDefaults(space *Space, envelopeHistory, capabilityDecisions *bool) {
	if space.Gateway.Port == "" {
		space.Gateway.Port = ":9000"
	}
	if space.Gateway.HTTPPort == "" {
		space.Gateway.HTTPPort = ":9001"
	}
	if space.LogDir == "" {
		space.LogDir = "./logs"
	}
	if space.HistoryRotateBytes == 0 {
		space.HistoryRotateBytes = 64 << 20 // 64MB, matches teacher's 256MB-class defaults scaled to a log file
	}
	// Audit logs default on, but an explicit setting in the document wins
	// (§6.3).
	if envelopeHistory != nil {
		space.EnvelopeHistory = *envelopeHistory
	} else {
		space.EnvelopeHistory = true
	}
	if capabilityDecisions != nil {
		space.CapabilityDecisions = *capabilityDecisions
	} else {
		space.CapabilityDecisions = true
	}
}

// applyEnvOverrides lets the process-level switches named in §6.3 disable
// audit logging without editing the space document: GATEWAY_LOGGING,
// ENVELOPE_HISTORY, CAPABILITY_DECISIONS.
func applyEnvOverrides(space *Space) {
	if isFalse(os.Getenv("GATEWAY_LOGGING")) {
		space.EnvelopeHistory = false
		space.CapabilityDecisions = false
		return
	}
	if isFalse(os.Getenv("ENVELOPE_HISTORY")) {
		space.EnvelopeHistory = false
	}
	if isFalse(os.Getenv("CAPABILITY_DECISIONS")) {
		space.CapabilityDecisions = false
	}
}

func isFalse(v string) bool {
	return v == "false" || v == "0" || v == "off"
}

// Validate checks the minimal shape a gateway needs before it will start
// accepting connections for this space.
func (s *Space) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("space config: name is required")
	}
	for token, spec := range s.Tokens {
		if spec.ParticipantID == "" {
			return fmt.Errorf("space config: token %q has no participant_id", token)
		}
		if _, ok := s.Participants[spec.ParticipantID]; !ok {
			return fmt.Errorf("space config: token %q references unknown participant %q", token, spec.ParticipantID)
		}
	}
	return nil
}
