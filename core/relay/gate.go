package relay

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Channel namespaces. Consumers live entirely inside the dashboard namespace;
// producers own the vehicle namespace and may additionally publish into the
// dashboard namespace to deliver telemetry and acks.
const (
	ProducerNamespace = "drone/"
	ConsumerNamespace = "dash/"
)

// Role is the access level of a connection.
type Role string

const (
	RoleUnauthenticated Role = "unauthenticated"
	RoleProducer        Role = "producer"
	RoleConsumer        Role = "consumer"
)

// StaticKey is a pre-shared key bound to a declared client kind.
type StaticKey struct {
	Key      string `json:"key"`
	Kind     string `json:"kind"`     // "producer" or "consumer"
	Identity string `json:"identity"` // drone id or static key marker
}

// GateConfig configures the access control gate.
type GateConfig struct {
	Keys      []StaticKey `json:"keys"`
	JWTSecret string      `json:"jwt_secret"`
}

// SessionClaims is the payload of a signed consumer session token.
type SessionClaims struct {
	Permissions []string `json:"perms"`
	jwt.RegisteredClaims
}

// Gate validates credentials once per connection and authorizes every
// subsequent channel operation against the resulting role.
type Gate struct {
	keys   map[string]StaticKey
	secret []byte
	now    func() time.Time
}

// NewGate builds a Gate from configuration.
func NewGate(cfg GateConfig) *Gate {
	keys := make(map[string]StaticKey, len(cfg.Keys))
	for _, k := range cfg.Keys {
		keys[k.Key] = k
	}
	return &Gate{keys: keys, secret: []byte(cfg.JWTSecret), now: time.Now}
}

// Authenticate validates the credential against the declared role. It accepts
// either a configured static key or a signed consumer session token.
func (g *Gate) Authenticate(credential, declaredRole string) (Role, string, error) {
	if credential == "" {
		return RoleUnauthenticated, "", &AuthError{Reason: "missing credential"}
	}
	role := Role(declaredRole)
	if role != RoleProducer && role != RoleConsumer {
		return RoleUnauthenticated, "", &AuthError{Reason: "unknown declared role " + declaredRole}
	}

	if k, ok := g.keys[credential]; ok {
		if Role(k.Kind) != role {
			return RoleUnauthenticated, "", &AuthError{Reason: "key not valid for role " + declaredRole}
		}
		return role, k.Identity, nil
	}

	// Session tokens are only ever issued to consumers.
	if role != RoleConsumer {
		return RoleUnauthenticated, "", &AuthError{Reason: "unknown credential"}
	}
	identity, err := g.verifyToken(credential)
	if err != nil {
		return RoleUnauthenticated, "", err
	}
	return RoleConsumer, identity, nil
}

func (g *Gate) verifyToken(tokenStr string) (string, error) {
	if len(g.secret) == 0 {
		return "", &AuthError{Reason: "session tokens not configured"}
	}
	claims := &SessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return g.secret, nil
	}, jwt.WithTimeFunc(g.now))
	if err != nil || !token.Valid {
		return "", &AuthError{Reason: "invalid or expired token"}
	}
	if claims.Subject == "" {
		return "", &AuthError{Reason: "token missing subject"}
	}
	return claims.Subject, nil
}

// AuthorizeSubscribe checks that the role may subscribe to the channel.
func (g *Gate) AuthorizeSubscribe(role Role, channel string) error {
	switch role {
	case RoleConsumer:
		if strings.HasPrefix(channel, ConsumerNamespace) {
			return nil
		}
	case RoleProducer:
		if strings.HasPrefix(channel, ProducerNamespace) {
			return nil
		}
	case RoleUnauthenticated:
		return ErrNotAuthenticated
	}
	return &AuthorizationError{Role: role, Channel: channel, Op: "subscribe to"}
}

// AuthorizePublish checks that the role may publish on the channel. Producers
// may publish into the consumer namespace to deliver telemetry and acks.
func (g *Gate) AuthorizePublish(role Role, channel string) error {
	switch role {
	case RoleConsumer:
		if strings.HasPrefix(channel, ConsumerNamespace) {
			return nil
		}
	case RoleProducer:
		if strings.HasPrefix(channel, ProducerNamespace) || strings.HasPrefix(channel, ConsumerNamespace) {
			return nil
		}
	case RoleUnauthenticated:
		return ErrNotAuthenticated
	}
	return &AuthorizationError{Role: role, Channel: channel, Op: "publish to"}
}
