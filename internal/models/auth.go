package models

// LoginRequest holds credentials for authenticating a user.
type LoginRequest struct {
	Username  string `json:"username" validate:"required"`
	Password  string `json:"password" validate:"required"`
	IP        string `json:"-"`
	UserAgent string `json:"-"`
}

// LoginResponse returns the issued tokens and the public user view.
type LoginResponse struct {
	User         UserInfo `json:"user"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
}

// RefreshTokenRequest carries the refresh token for rotation and logout.
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken"`
	IP           string `json:"-"`
	UserAgent    string `json:"-"`
}

// TokenPair is the result of a successful rotation.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}
