package arbor

import (
	"sync"

	gojwt "github.com/golang-jwt/jwt/v5"

	"golang.org/x/exp/slices"
)

// SessionInfo is the opaque remote session context. One instance is
// bound to one workspace manager for its lifetime. The token is never
// interpreted by the core; lock tokens ride along for the lock calls.
type SessionInfo struct {
	Token         string
	WorkspaceName string

	stateLock  sync.Mutex
	lockTokens []string
}

func NewSessionInfo(token string, workspaceName string) *SessionInfo {
	return &SessionInfo{
		Token:         token,
		WorkspaceName: workspaceName,
	}
}

func (self *SessionInfo) LockTokens() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	return slices.Clone(self.lockTokens)
}

// always succeeds. The client cannot determine whether another session
// holds the same token; the service is the authority.
func (self *SessionInfo) AddLockToken(lockToken string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if !slices.Contains(self.lockTokens, lockToken) {
		self.lockTokens = append(self.lockTokens, lockToken)
	}
}

// returns silently when the token is not present
func (self *SessionInfo) RemoveLockToken(lockToken string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	i := slices.Index(self.lockTokens, lockToken)
	if 0 <= i {
		self.lockTokens = slices.Delete(self.lockTokens, i, i+1)
	}
}

// claims surfaced from a session bearer token, for logging and the ctl
// surface only. The client does not verify the signature; the service
// is the authority on the token.
type SessionToken struct {
	UserId        Id
	WorkspaceName string
}

func ParseSessionTokenUnverified(token string) (*SessionToken, error) {
	parser := gojwt.NewParser()
	parsed, _, err := parser.ParseUnverified(token, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	claims := parsed.Claims.(gojwt.MapClaims)

	sessionToken := &SessionToken{}

	if userIdStr, ok := claims["user_id"]; ok {
		if userId, err := ParseId(userIdStr.(string)); err == nil {
			sessionToken.UserId = userId
		}
	}
	if workspaceName, ok := claims["workspace_name"]; ok {
		sessionToken.WorkspaceName = workspaceName.(string)
	}

	return sessionToken, nil
}
