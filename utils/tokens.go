package utils

import (
	"time"

	"github.com/kataras/iris/v12/middleware/jwt"
)

// AccessToken is the claim set of the API's bearer tokens. OrganizationID
// scopes calendar access; admin tokens may omit it.
type AccessToken struct {
	ID             uint   `json:"ID"`
	Role           string `json:"role"`
	OrganizationID uint   `json:"organizationID"`
}

func CreateAccessToken(secret string, claims AccessToken, ttl time.Duration) (string, error) {
	signer := jwt.NewSigner(jwt.HS256, []byte(secret), ttl)
	token, err := signer.Sign(claims)
	if err != nil {
		return "", err
	}
	return string(token), nil
}
