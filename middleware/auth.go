package middleware

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/ssh"
	"github.com/charmbracelet/wish"
	"github.com/deemkeen/fedcore/util"
	"go.uber.org/zap"
	gossh "golang.org/x/crypto/ssh"
)

// OperatorKeys are the public keys allowed to open the operator console.
type OperatorKeys struct {
	keys []ssh.PublicKey
}

// ParseOperatorKeys parses keys in authorized_keys format.
func ParseOperatorKeys(lines []string) (*OperatorKeys, error) {
	o := &OperatorKeys{}
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		key, _, _, _, err := gossh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("operator key %d: %w", i+1, err)
		}
		o.keys = append(o.keys, key)
	}
	return o, nil
}

func (o *OperatorKeys) Len() int {
	return len(o.keys)
}

// Allowed reports whether key belongs to an operator.
func (o *OperatorKeys) Allowed(key ssh.PublicKey) bool {
	if key == nil {
		return false
	}
	for _, k := range o.keys {
		if ssh.KeysEqual(k, key) {
			return true
		}
	}
	return false
}

// PublicKeyHandler is the server's public key callback.
func (o *OperatorKeys) PublicKeyHandler(_ ssh.Context, key ssh.PublicKey) bool {
	return o.Allowed(key)
}

// AuthMiddleware closes sessions that did not authenticate with an
// operator key and logs the ones that did.
func AuthMiddleware(keys *OperatorKeys, logger *zap.Logger) wish.Middleware {
	return func(h ssh.Handler) ssh.Handler {
		return func(s ssh.Session) {
			if !keys.Allowed(s.PublicKey()) {
				logger.Warn("Rejected ssh session",
					zap.String("user", s.User()),
					zap.String("remote", s.RemoteAddr().String()))
				wish.Fatalln(s, "not an operator")
				return
			}
			util.LogPublicKey(logger, s)
			h(s)
		}
	}
}
