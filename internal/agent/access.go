package agent

import (
	"fmt"
	"net"
	"strings"

	"github.com/geekxflood/common/config"
	"github.com/geekxflood/proteus/internal/types"
)

// AccessConfig holds the request admission policy.
type AccessConfig struct {
	Communities    []string `json:"communities"`
	AllowedSources []string `json:"allowed_sources"`
	BlockedSources []string `json:"blocked_sources"`
	MaxVarbinds    int      `json:"max_varbinds"`
	MaxRepetitions int      `json:"max_repetitions"`
}

// DefaultAccessConfig returns a default access configuration
func DefaultAccessConfig() *AccessConfig {
	return &AccessConfig{
		Communities:    []string{"public"},
		AllowedSources: []string{},
		BlockedSources: []string{},
		MaxVarbinds:    64,
		MaxRepetitions: 32,
	}
}

// LoadAccessConfig reads the agent.* keys over the defaults.
func LoadAccessConfig(cfg config.Provider) (*AccessConfig, error) {
	ac := DefaultAccessConfig()

	if communities, err := cfg.GetStringSlice("agent.communities"); err == nil {
		ac.Communities = communities
	}

	if allowed, err := cfg.GetStringSlice("agent.allowed_sources"); err == nil {
		ac.AllowedSources = allowed
	}

	if blocked, err := cfg.GetStringSlice("agent.blocked_sources"); err == nil {
		ac.BlockedSources = blocked
	}

	if maxVarbinds, err := cfg.GetInt("agent.max_varbinds"); err == nil {
		ac.MaxVarbinds = maxVarbinds
	}

	if maxRepetitions, err := cfg.GetInt("agent.max_repetitions"); err == nil {
		ac.MaxRepetitions = maxRepetitions
	}

	if ac.MaxVarbinds <= 0 {
		return nil, fmt.Errorf("agent.max_varbinds must be positive, got %d", ac.MaxVarbinds)
	}
	if ac.MaxRepetitions < 0 {
		return nil, fmt.Errorf("agent.max_repetitions cannot be negative, got %d", ac.MaxRepetitions)
	}
	for _, pattern := range append(append([]string{}, ac.AllowedSources...), ac.BlockedSources...) {
		if strings.Contains(pattern, "/") {
			if _, _, err := net.ParseCIDR(pattern); err != nil {
				return nil, fmt.Errorf("invalid source pattern %q: %w", pattern, err)
			}
		} else if net.ParseIP(pattern) == nil {
			return nil, fmt.Errorf("invalid source pattern %q", pattern)
		}
	}

	return ac, nil
}

// AccessValidator decides which requests the agent answers at all.
type AccessValidator struct {
	config *AccessConfig
}

// NewAccessValidator creates a validator; nil selects the defaults.
func NewAccessValidator(cfg *AccessConfig) *AccessValidator {
	if cfg == nil {
		cfg = DefaultAccessConfig()
	}
	return &AccessValidator{config: cfg}
}

// Config returns the policy in effect.
func (v *AccessValidator) Config() *AccessConfig {
	return v.config
}

// ValidateRequest checks the request's origin and community. A nil ip skips
// the source check.
func (v *AccessValidator) ValidateRequest(packet *types.SNMPPacket, ip net.IP) error {
	if ip != nil {
		if err := v.validateSourceAddress(ip); err != nil {
			return err
		}
	}

	return v.validateCommunity(packet.Community)
}

// validateSourceAddress validates the source IP address
func (v *AccessValidator) validateSourceAddress(ip net.IP) error {
	for _, blocked := range v.config.BlockedSources {
		if matchesIPPattern(ip, blocked) {
			return types.ValidationError{
				Field:   "source_address",
				Message: fmt.Sprintf("source address %s is blocked", ip),
			}
		}
	}

	if len(v.config.AllowedSources) == 0 {
		return nil
	}

	for _, allowedPattern := range v.config.AllowedSources {
		if matchesIPPattern(ip, allowedPattern) {
			return nil
		}
	}
	return types.ValidationError{
		Field:   "source_address",
		Message: fmt.Sprintf("source address %s is not in allowed list", ip),
	}
}

// matchesIPPattern checks if an IP matches a CIDR or a single address.
func matchesIPPattern(ip net.IP, pattern string) bool {
	if strings.Contains(pattern, "/") {
		_, network, err := net.ParseCIDR(pattern)
		return err == nil && network.Contains(ip)
	}

	other := net.ParseIP(pattern)
	return other != nil && other.Equal(ip)
}

// validateCommunity checks if the community string is allowed
func (v *AccessValidator) validateCommunity(community string) error {
	if len(v.config.Communities) == 0 {
		return nil // No restrictions
	}

	for _, allowed := range v.config.Communities {
		if community == allowed {
			return nil
		}
	}
	return types.ValidationError{
		Field:   "community",
		Message: fmt.Sprintf("community string '%s' is not allowed", community),
	}
}
