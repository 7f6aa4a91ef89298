package domain

// SessionRecord es la credencial persistida de un usuario autenticado.
// TokenExpiry se guarda como texto en formato "2006-01-02 15:04:05".
type SessionRecord struct {
	ChatID          int64
	Email           string
	AuthToken       string
	OrganizationID  string
	TokenExpiry     string
	DefaultWalletID string
}
