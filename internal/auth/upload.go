package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// UploadAudience marks tokens that authorize a single media PUT
const UploadAudience = "media-upload"

// UploadClaims authorize one media upload for one audit
type UploadClaims struct {
	MediaID string `json:"mediaId"`
	AuditID string `json:"auditId"`
	jwt.RegisteredClaims
}

// GenerateUploadToken signs a short-lived token embedded in a media upload URL.
func GenerateUploadToken(mediaID, auditID, userID string, ttl time.Duration) (string, error) {
	if mediaID == "" || auditID == "" {
		return "", errors.New("media id and audit id are required")
	}

	now := time.Now()
	claims := &UploadClaims{
		MediaID: mediaID,
		AuditID: auditID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    issuer,
			Subject:   userID,
			Audience:  jwt.ClaimStrings{UploadAudience},
		},
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(GetJWTSecret()))
}

// ValidateUploadToken checks signature, expiry and audience, and that the token was
// issued for mediaID.
func ValidateUploadToken(tokenString, mediaID string) (*UploadClaims, error) {
	secret := GetJWTSecret()

	token, err := jwt.ParseWithClaims(tokenString, &UploadClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return []byte(secret), nil
	}, jwt.WithAudience(UploadAudience))
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*UploadClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid upload token")
	}
	if claims.MediaID != mediaID {
		return nil, fmt.Errorf("upload token was issued for a different media id")
	}

	return claims, nil
}
