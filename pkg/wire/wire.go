// Package wire defines the JSON message envelope exchanged between the
// coordinator's agent channel server and forwarder agents, and the bearer
// token verification used to authenticate a link.
package wire

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Message types, agent -> coordinator.
const (
	TypeAuth          = "auth"
	TypeStatus        = "status"
	TypeScanResult    = "scan_result"
	TypeBattery       = "battery"
	TypeRSSI          = "rssi"
	TypeCommandResult = "command_result"
)

// Message types, coordinator -> agent.
const (
	TypeAuthResult    = "auth_result"
	TypeCommand       = "command"
	TypeGetBattery    = "get_battery"
	TypeGetRSSI       = "get_rssi"
	TypeScan          = "scan"
	TypeConnect       = "connect"
	TypeDisconnectBLE = "disconnect_ble"
)

// Envelope is the wire format for every message: a mandatory type tag plus
// a type-specific payload. Unknown fields for a given type are ignored by
// design — malformed messages are discarded, never rejected with an error
// that would close the link (see Non-auth protocol violations in §7).
type Envelope struct {
	Type string `json:"type"`

	// Agent -> Coordinator fields.
	Token        string       `json:"token,omitempty"`
	NodeID       string       `json:"nodeId,omitempty"`
	BLEConnected *bool        `json:"bleConnected,omitempty"`
	Battery      *int         `json:"battery,omitempty"`
	Devices      []ScanDevice `json:"devices,omitempty"`
	Level        *int         `json:"level,omitempty"`
	Value        *int         `json:"value,omitempty"`
	ID           *int64       `json:"id,omitempty"`
	Success      *bool        `json:"success,omitempty"`

	// Coordinator -> Agent fields.
	Data     string `json:"data,omitempty"`
	Duration *int64 `json:"duration,omitempty"`
}

// ScanDevice is one candidate reported in a scan_result message.
type ScanDevice struct {
	Address string `json:"address,omitempty"`
	Name    string `json:"name,omitempty"`
	RSSI    int    `json:"rssi"`
}

// Decode parses a raw wire message into an Envelope. A malformed payload
// (unparseable JSON, missing "type") returns an error; callers must treat
// that as "silently discard", not "close the link", per spec.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, err
	}
	if env.Type == "" {
		return Envelope{}, errors.New("wire: message missing type")
	}
	return env, nil
}

// Encode serializes an Envelope to its wire form.
func Encode(env Envelope) ([]byte, error) {
	return json.Marshal(env)
}

// TokenVerifier decides whether a bearer token presented on an auth
// message is acceptable. It never distinguishes *why* a token failed,
// matching an either-passes-or-fails contract.
type TokenVerifier struct {
	disabled  bool
	plain     string
	jwtSecret []byte
}

// NewTokenVerifier builds a verifier from configuration. Authentication is
// disabled when secret is empty or the literal string "none"; otherwise,
// when jwtSecret is non-empty the token is verified as an HS256 JWT signed
// with it, else it is compared to secret as a plain shared value.
func NewTokenVerifier(secret, jwtSecret string) *TokenVerifier {
	if secret == "" || secret == "none" {
		return &TokenVerifier{disabled: true}
	}
	v := &TokenVerifier{plain: secret}
	if jwtSecret != "" {
		v.jwtSecret = []byte(jwtSecret)
	}
	return v
}

// Verify reports whether token is acceptable.
func (v *TokenVerifier) Verify(token string) bool {
	if v.disabled {
		return true
	}
	if v.jwtSecret != nil {
		claims := jwt.MapClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("wire: unexpected signing method")
			}
			return v.jwtSecret, nil
		})
		return err == nil && parsed.Valid
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(v.plain)) == 1
}

// IssueJWT mints an HS256 bearer token for nodeID, for use by tooling that
// provisions agents (not exercised by the coordinator itself).
func IssueJWT(jwtSecret, nodeID string, ttl time.Duration) (string, error) {
	claims := jwt.MapClaims{
		"nodeId": nodeID,
		"exp":    time.Now().Add(ttl).Unix(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString([]byte(jwtSecret))
}
