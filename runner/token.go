package runner

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/BaSui01/stepflow/types"
)

// CallbackClaims binds a callback token to one dispatch: the workflow, the
// step, and the runner instance that may report completion.
type CallbackClaims struct {
	WorkflowID       string `json:"workflowId"`
	StepID           string `json:"stepId"`
	RunnerInstanceID string `json:"runnerInstanceId"`
	jwt.RegisteredClaims
}

// TokenCodec issues and verifies HS256 callback tokens.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

// NewTokenCodec creates a codec. TTL <= 0 defaults to 24 hours, long enough
// for any sane runner timeout.
func NewTokenCodec(secret []byte, ttl time.Duration) *TokenCodec {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenCodec{secret: secret, ttl: ttl}
}

// Issue signs a token for one dispatch.
func (c *TokenCodec) Issue(workflowID, stepID, runnerInstanceID string) (string, error) {
	now := time.Now()
	claims := CallbackClaims{
		WorkflowID:       workflowID,
		StepID:           stepID,
		RunnerInstanceID: runnerInstanceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "stepflow",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
	if err != nil {
		return "", fmt.Errorf("sign callback token: %w", err)
	}
	return signed, nil
}

// Verify checks the signature and that the token was issued for the given
// workflow and step. The runner instance id is returned for the handler to
// match against the stored dispatch.
func (c *TokenCodec) Verify(token, workflowID, stepID string) (*CallbackClaims, error) {
	var claims CallbackClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, types.NewError(types.ErrUnauthorized, "invalid callback token").WithHTTPStatus(401).WithCause(err)
	}
	if claims.WorkflowID != workflowID || claims.StepID != stepID {
		return nil, types.NewError(types.ErrUnauthorized, "callback token does not match step").WithHTTPStatus(401)
	}
	return &claims, nil
}
