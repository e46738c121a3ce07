package identity

import "crypto/ed25519"

type PrincipalType string

const (
	PrincipalAgent    PrincipalType = "agent"
	PrincipalOperator PrincipalType = "operator"
)

// Principal represents any entity that can be authenticated.
type Principal interface {
	ID() string
	Type() PrincipalType
}

// AgentIdentity is an autonomous agent that issues mandates.
type AgentIdentity struct {
	AgentID string
	Scopes  []string
}

func (a *AgentIdentity) ID() string          { return a.AgentID }
func (a *AgentIdentity) Type() PrincipalType { return PrincipalAgent }

// OperatorIdentity is a human operator that owns agent policies and
// reviews approvals.
type OperatorIdentity struct {
	OperatorID string
	Scopes     []string
}

func (o *OperatorIdentity) ID() string          { return o.OperatorID }
func (o *OperatorIdentity) Type() PrincipalType { return PrincipalOperator }

// Record is the registered state of a mandate-issuing identity.
type Record struct {
	Identity string
	Domain   string
	// Keys maps key id to the currently authorized public key.
	Keys map[string]ed25519.PublicKey
}

// Key returns the authorized key with the given id.
func (r Record) Key(keyID string) (ed25519.PublicKey, bool) {
	k, ok := r.Keys[keyID]
	return k, ok
}
