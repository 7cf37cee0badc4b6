package session

import (
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"
	"github.com/xdg-go/scram"
)

// Mechanism names in default preference order.
const (
	MechExternal    = "EXTERNAL"
	MechScramSHA256 = "SCRAM-SHA-256"
	MechPlain       = "PLAIN"
)

// DefaultMechanisms is the preference order used when none is configured.
var DefaultMechanisms = []string{MechExternal, MechScramSHA256, MechPlain}

// SASLConfig holds the credentials for SASL authentication.
type SASLConfig struct {
	Mechanisms []string
	Username   string
	Password   string
	// ClientCert is set when a TLS client certificate is configured, which
	// makes EXTERNAL usable.
	ClientCert bool
	// Required aborts registration when every mechanism fails.
	Required bool
}

// mechanisms returns the configured list or, when none is configured,
// DefaultMechanisms narrowed to those the credentials can serve.
func (c SASLConfig) mechanisms() []string {
	if len(c.Mechanisms) != 0 {
		return c.Mechanisms
	}
	var mechs []string
	for _, mech := range DefaultMechanisms {
		if mech == MechExternal && !c.ClientCert {
			continue
		}
		if mech != MechExternal && c.Username == "" {
			continue
		}
		mechs = append(mechs, mech)
	}
	return mechs
}

func (c SASLConfig) enabled() bool {
	mechs := c.mechanisms()
	return len(mechs) != 0 && (c.Username != "" || hasMechanism(mechs, MechExternal))
}

func hasMechanism(mechs []string, mech string) bool {
	for _, m := range mechs {
		if strings.EqualFold(m, mech) {
			return true
		}
	}
	return false
}

// newSASLClient builds the client side of one mechanism.
func newSASLClient(mech string, cfg SASLConfig) (sasl.Client, error) {
	switch strings.ToUpper(mech) {
	case MechPlain:
		return sasl.NewPlainClient("", cfg.Username, cfg.Password), nil
	case MechExternal:
		return sasl.NewExternalClient(""), nil
	case MechScramSHA256:
		client, err := scram.SHA256.NewClient(cfg.Username, cfg.Password, "")
		if err != nil {
			return nil, err
		}
		return &scramClient{conv: client.NewConversation()}, nil
	default:
		return nil, fmt.Errorf("unsupported SASL mechanism %q", mech)
	}
}

// scramClient adapts a SCRAM conversation to the sasl.Client interface.
type scramClient struct {
	conv *scram.ClientConversation
}

func (c *scramClient) Start() (string, []byte, error) {
	first, err := c.conv.Step("")
	if err != nil {
		return "", nil, err
	}
	return MechScramSHA256, []byte(first), nil
}

func (c *scramClient) Next(challenge []byte) ([]byte, error) {
	resp, err := c.conv.Step(string(challenge))
	if err != nil {
		return nil, err
	}
	return []byte(resp), nil
}
