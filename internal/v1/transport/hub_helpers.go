package transport

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/slopeline/slopeline/internal/v1/auth"
	"github.com/slopeline/slopeline/internal/v1/logging"
)

// authClaims aliases the verified token claims so the hub's surface does not
// leak the auth package into every signature.
type authClaims = auth.CustomClaims

// tokenExtractionResult records where the token came from, which decides the
// subprotocol echoed back in the upgrade response.
type tokenExtractionResult struct {
	Token                  string
	FromHeader             bool
	HasAccessTokenProtocol bool
}

// extractToken pulls the bearer token from the Sec-WebSocket-Protocol
// header, falling back to the token query parameter. Browsers cannot set
// Authorization on a WebSocket handshake, so the protocol header is the
// conventional smuggling spot.
func (h *Hub) extractToken(c *gin.Context) (*tokenExtractionResult, error) {
	result := &tokenExtractionResult{}

	if headerVal := c.GetHeader("Sec-WebSocket-Protocol"); headerVal != "" {
		for _, p := range strings.Split(headerVal, ",") {
			p = strings.TrimSpace(p)
			if p == "access_token" {
				result.HasAccessTokenProtocol = true
				continue
			}
			if p != "" && result.Token == "" {
				result.Token = p
				result.FromHeader = true
			}
		}
	}

	if result.Token == "" {
		result.Token = c.Query("token")
	}
	if result.Token == "" {
		logging.Warn(c.Request.Context(), "no token provided in handshake")
		return nil, fmt.Errorf("token not provided")
	}
	return result, nil
}

// authenticateUser verifies the token once for the life of the connection.
// Tokens expire within the hour; clients reconnect rather than re-verify.
func (h *Hub) authenticateUser(ctx context.Context, token string) (*authClaims, error) {
	claims, err := h.validator.ValidateToken(token)
	if err != nil {
		logging.Warn(ctx, "token validation failed", zap.Error(err))
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token carries no subject")
	}
	return claims, nil
}

// validateOrigin checks browser connections against the allow list.
// Requests without an Origin header pass; they come from native clients and
// tests, not browsers.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		return fmt.Errorf("invalid origin URL: %w", err)
	}
	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}
	return fmt.Errorf("origin not allowed: %s", origin)
}

// displayNameFromClaims picks the friendliest name the token offers.
func displayNameFromClaims(claims *authClaims) string {
	if claims.Name != "" {
		return claims.Name
	}
	if claims.Email != "" {
		if at := strings.IndexByte(claims.Email, '@'); at > 0 {
			return claims.Email[:at]
		}
	}
	return claims.Subject
}

// upgradeWebSocket performs the protocol upgrade, echoing the subprotocol
// when the token rode in on one.
func (h *Hub) upgradeWebSocket(c *gin.Context, tokenResult *tokenExtractionResult) (wsConnection, error) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return validateOrigin(r, h.allowedOrigins) == nil
		},
		WriteBufferPool: &sync.Pool{
			New: func() any {
				return make([]byte, 4096)
			},
		},
	}

	responseHeader := http.Header{}
	if tokenResult.FromHeader {
		if tokenResult.HasAccessTokenProtocol {
			responseHeader.Set("Sec-WebSocket-Protocol", "access_token")
		} else {
			responseHeader.Set("Sec-WebSocket-Protocol", tokenResult.Token)
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, responseHeader)
	if err != nil {
		logging.Error(c.Request.Context(), "websocket upgrade failed", zap.Error(err))
		return nil, err
	}
	return conn, nil
}
