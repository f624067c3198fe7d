package server

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/GoCodeAlone/tourmatch/server/api"
)

// HeaderAgentID names the caller when auth is disabled.
const HeaderAgentID = "X-Agent-ID"

const tokenIssuer = "tourmatch"

var errNoCredentials = errors.New("missing or invalid Authorization header")

// signToken issues an HS256 token whose subject is agent.
func signToken(secret []byte, agent string, now time.Time, ttl time.Duration) (string, time.Time, error) {
	exp := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   agent,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return token, exp, nil
}

// verifyToken validates a token and returns its subject.
func verifyToken(secret []byte, token string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

// generateSecret creates a random 32-byte secret.
func generateSecret() []byte {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return []byte(base64.RawURLEncoding.EncodeToString(b))
}

// jwtSecret returns the configured signing secret, generating one if empty.
func (s *Server) jwtSecret() []byte {
	if s.cfg.Auth.JWTSecret != "" {
		return []byte(s.cfg.Auth.JWTSecret)
	}
	s.secretOnce.Do(func() {
		s.logger.Warn("auth.jwt_secret not set, tokens will not survive a restart")
		s.generatedSecret = generateSecret()
	})
	return s.generatedSecret
}

// handleToken checks an agent secret against its bcrypt hash and issues a
// token.
func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Auth.Disabled {
		writeJSONError(w, http.StatusNotFound, "auth is disabled")
		return
	}
	var req api.TokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	hash := ""
	for _, a := range s.cfg.Auth.Agents {
		if a.ID == req.AgentID {
			hash = a.SecretHash
			break
		}
	}
	if hash == "" || bcrypt.CompareHashAndPassword([]byte(hash), []byte(req.Secret)) != nil {
		s.logger.Info("token refused", slog.String("agent", req.AgentID))
		writeJSONError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, exp, err := signToken(s.jwtSecret(), req.AgentID, s.now(), s.cfg.Auth.TokenTTL)
	if err != nil {
		s.logger.Error("sign jwt", slog.Any("err", err))
		writeJSONError(w, http.StatusInternalServerError, "could not issue token")
		return
	}
	writeJSON(w, http.StatusOK, api.TokenResponse{Token: token, ExpiresAt: exp})
}

// handleMe returns the authenticated agent.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": api.AgentFrom(r.Context())})
}

// identify returns the calling agent. With auth disabled the X-Agent-ID
// header (or ?agent= for event streams) names it and may be empty. Otherwise
// a bearer token is required; EventSource clients pass it as ?token=.
func (s *Server) identify(r *http.Request) (string, error) {
	if s.cfg.Auth.Disabled {
		if agent := r.Header.Get(HeaderAgentID); agent != "" {
			return agent, nil
		}
		return r.URL.Query().Get("agent"), nil
	}
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		if !strings.HasPrefix(h, "Bearer ") {
			return "", errNoCredentials
		}
		token = strings.TrimPrefix(h, "Bearer ")
	}
	if token == "" {
		return "", errNoCredentials
	}
	return verifyToken(s.jwtSecret(), token)
}

// authMiddleware puts the calling agent into the request context. Calls that
// name no agent are refused, with auth disabled too.
func (s *Server) authMiddleware(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent, err := s.identify(r)
		if err != nil {
			writeJSONError(w, http.StatusUnauthorized, "invalid token: "+err.Error())
			return
		}
		if agent == "" {
			writeJSONError(w, http.StatusUnauthorized, "missing "+HeaderAgentID+" header")
			return
		}
		ctx := api.ContextWithAgent(r.Context(), agent)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
