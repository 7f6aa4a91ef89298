package service

import (
	"time"

	"copperx-bot/internal/domain"
)

// tokenExpiryLayout es el formato de texto en que se persiste la expiracion.
const tokenExpiryLayout = "2006-01-02 15:04:05"

// SessionVerdict es el resultado de validar una sesion.
type SessionVerdict int

const (
	SessionValid SessionVerdict = iota
	SessionMissing
	SessionExpired
	SessionMalformed
)

func (v SessionVerdict) String() string {
	switch v {
	case SessionValid:
		return "valid"
	case SessionMissing:
		return "missing"
	case SessionExpired:
		return "expired"
	case SessionMalformed:
		return "malformed"
	}
	return "unknown"
}

// ValidateSession evalua una sesion contra el reloj inyectado. Es pura:
// no hace I/O y no modifica el registro. Un registro sin token nunca se
// considera autenticado. Malformed se comprueba antes que la expiracion.
func ValidateSession(record *domain.SessionRecord, now time.Time) SessionVerdict {
	if record == nil || record.AuthToken == "" {
		return SessionMissing
	}
	expiry, err := time.ParseInLocation(tokenExpiryLayout, record.TokenExpiry, time.UTC)
	if err != nil {
		return SessionMalformed
	}
	if !now.Before(expiry) {
		return SessionExpired
	}
	return SessionValid
}

// FormatTokenExpiry serializa una expiracion al formato persistido. El
// texto no lleva zona horaria, asi que siempre se escribe y se lee en UTC
// para que un cambio de zona del proceso no corra la validez.
func FormatTokenExpiry(t time.Time) string {
	return t.UTC().Format(tokenExpiryLayout)
}
