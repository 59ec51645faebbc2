package auth

import (
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"github.com/exhazordinary/atomicsettle/pkg/response"
)

var (
	ErrInvalidCredentials = errors.New("invalid API credentials")
	ErrTokenGeneration    = errors.New("failed to generate token")
)

// Credentials represents a participant's API authentication credentials
type Credentials struct {
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// TokenResponse represents the JWT token response
type TokenResponse struct {
	Token      string    `json:"jwt_token"`
	Expiration time.Time `json:"expiration"`
}

// Claims represents the JWT claims structure
type Claims struct {
	jwt.RegisteredClaims
	ParticipantID string `json:"participant_id"`
	Role          string `json:"role"`
}

type credential struct {
	secret        string
	participantID string
	role          string
}

// Service handles authentication for settlement participants. Credentials map
// an API key to the participant identity embedded in issued tokens.
type Service struct {
	jwtSecret   []byte
	credentials map[string]credential
}

func NewService(jwtSecret string) *Service {
	return &Service{
		jwtSecret:   []byte(jwtSecret),
		credentials: make(map[string]credential),
	}
}

// RegisterParticipant registers API credentials for a participant.
func (s *Service) RegisterParticipant(apiKey, apiSecret, participantID string) {
	s.credentials[apiKey] = credential{secret: apiSecret, participantID: participantID}
}

// RegisterAdmin registers credentials carrying the admin role.
func (s *Service) RegisterAdmin(apiKey, apiSecret string) {
	s.credentials[apiKey] = credential{secret: apiSecret, participantID: "OPERATOR", role: "admin"}
}

// GenerateToken issues a 24-hour JWT for valid credentials. The token carries
// the participant identity every settlement and query call is scoped to.
func (s *Service) GenerateToken(creds Credentials) (*TokenResponse, error) {
	cred, ok := s.credentials[creds.APIKey]
	if !ok || cred.secret != creds.APISecret {
		return nil, ErrInvalidCredentials
	}

	expiration := time.Now().Add(24 * time.Hour)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(expiration),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			NotBefore: jwt.NewNumericDate(time.Now()),
		},
		ParticipantID: cred.participantID,
		Role:          cred.role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(s.jwtSecret)
	if err != nil {
		return nil, ErrTokenGeneration
	}

	return &TokenResponse{
		Token:      tokenString,
		Expiration: expiration,
	}, nil
}

// ValidateToken verifies signature and expiration and returns the claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token")
}

// GinHandlers contains HTTP handlers for authentication endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GenerateTokenHandler exchanges API credentials for a JWT.
func (h *GinHandlers) GenerateTokenHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var creds Credentials
		if err := c.ShouldBindJSON(&creds); err != nil {
			response.BadRequest(c, "invalid request body")
			return
		}

		token, err := h.service.GenerateToken(creds)
		if errors.Is(err, ErrInvalidCredentials) {
			response.Unauthorized(c, err.Error())
			return
		}
		response.Handle(c, token, err)
	}
}

// GetParticipantID extracts the participant ID from JWT claims.
func GetParticipantID(claims interface{}) string {
	if jwtClaims, ok := claims.(jwt.MapClaims); ok {
		if participantID, ok := jwtClaims["participant_id"].(string); ok {
			return participantID
		}
	}
	return ""
}
